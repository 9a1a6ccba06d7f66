package live

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"marketsim/internal/bus"
	"marketsim/internal/metrics"
	"marketsim/pkg/types"
)

// AgentDirectory is the store surface the hub needs: key verification and
// the current tick for reconnect accounting.
type AgentDirectory interface {
	Agent(id string) (types.Agent, error)
	World() types.WorldState
}

// busPattern is everything the engine publishes for client consumption.
const busPattern = "channel:*"

type sessionMessage struct {
	s   *Session
	msg inbound
}

type disconnectRecord struct {
	at   time.Time
	tick int64
}

// Hub owns all session state. Every map below is touched only from the Run
// loop; sessions and pumps talk to the hub through its channels.
type Hub struct {
	store  AgentDirectory
	bus    bus.Bus
	logger *slog.Logger

	register   chan *Session
	unregister chan *Session
	inbound    chan sessionMessage

	sessions      map[*Session]bool
	channels      map[string]map[*Session]bool // channel name -> subscribers
	agentSessions map[string]map[*Session]bool // agent id -> authed sessions
	disconnects   map[string]disconnectRecord  // stamped when an agent's last session closes
}

// NewHub creates a hub over the given bus and directory.
func NewHub(store AgentDirectory, b bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		store:         store,
		bus:           b,
		logger:        logger.With("component", "live"),
		register:      make(chan *Session),
		unregister:    make(chan *Session),
		inbound:       make(chan sessionMessage, 64),
		sessions:      make(map[*Session]bool),
		channels:      make(map[string]map[*Session]bool),
		agentSessions: make(map[string]map[*Session]bool),
		disconnects:   make(map[string]disconnectRecord),
	}
}

// Run processes session lifecycle, client messages, and bus publications
// until ctx ends. Everything the hub owns is mutated here and nowhere else.
func (h *Hub) Run(ctx context.Context) error {
	busCh, err := h.bus.Subscribe(ctx, busPattern)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		case sm := <-h.inbound:
			h.handleInbound(sm.s, sm.msg)
		case m, ok := <-busCh:
			if !ok {
				return nil
			}
			h.handleBus(m)
		}
	}
}

func (h *Hub) handleRegister(s *Session) {
	h.sessions[s] = true
	for _, ch := range autoChannels {
		h.subscribe(s, ch)
	}
	metrics.LiveSessions.Set(float64(len(h.sessions)))

	authed := false
	msg := newOutbound(MsgConnected)
	msg.SocketID = s.id
	msg.Authenticated = &authed
	msg.PublicChannels = append([]string(nil), publicChannelNames...)
	msg.Message = "Connected. Send AUTH to join private channels."
	h.send(s, msg)
	h.logger.Debug("session connected", "socket", s.id, "sessions", len(h.sessions))
}

func (h *Hub) handleUnregister(s *Session) {
	if !h.sessions[s] {
		return
	}
	delete(h.sessions, s)
	for ch := range s.subs {
		h.dropFromChannel(s, ch)
	}
	close(s.send)
	metrics.LiveSessions.Set(float64(len(h.sessions)))

	if !s.authenticated {
		return
	}

	peers := h.agentSessions[s.agentID]
	delete(peers, s)
	if len(peers) == 0 {
		// Last session gone: stamp the disconnect for reconnect detection.
		delete(h.agentSessions, s.agentID)
		h.disconnects[s.agentID] = disconnectRecord{
			at:   time.Now().UTC(),
			tick: h.store.World().CurrentTick,
		}
		h.logger.Info("agent fully disconnected", "agent", s.agentID)
		return
	}
	// Other sessions remain: tell them one dropped.
	note := newOutbound(MsgSessionDisconnected)
	note.AgentID = s.agentID
	note.SocketID = s.id
	note.Reason = "connection closed"
	note.RemainingSessions = len(peers)
	for peer := range peers {
		h.send(peer, note)
	}
}

func (h *Hub) handleInbound(s *Session, msg inbound) {
	if !h.sessions[s] {
		return
	}
	switch msg.Type {
	case MsgPing:
		h.send(s, newOutbound(MsgPong))
	case MsgAuth:
		h.handleAuth(s, msg.APIKey)
	case MsgSubscribe:
		h.handleSubscribe(s, msg.Channels)
	case MsgUnsubscribe:
		h.handleUnsubscribe(s, msg.Channels)
	default:
		out := newOutbound(MsgError)
		out.Message = "unknown message type"
		h.send(s, out)
	}
}

func (h *Hub) handleAuth(s *Session, key string) {
	fail := func() {
		out := newOutbound(MsgAuthError)
		out.Message = "Invalid API key"
		h.send(s, out)
	}

	agentID, secret, ok := parseAPIKey(key)
	if !ok {
		fail()
		return
	}
	agent, err := h.store.Agent(agentID)
	if err != nil || agent.APISecret == "" || !secretsEqual(secret, agent.APISecret) {
		fail()
		return
	}

	s.authenticated = true
	s.agentID = agentID
	if h.agentSessions[agentID] == nil {
		h.agentSessions[agentID] = make(map[*Session]bool)
	}
	h.agentSessions[agentID][s] = true

	out := newOutbound(MsgAuthSuccess)
	out.AgentID = agentID
	out.PrivateChannels = append([]string(nil), privateChannelNames...)
	h.send(s, out)
	h.logger.Info("session authenticated", "agent", agentID, "socket", s.id)

	if rec, wasGone := h.disconnects[agentID]; wasGone {
		delete(h.disconnects, agentID)
		missed := h.store.World().CurrentTick - rec.tick
		if missed < 0 {
			missed = 0
		}
		back := newOutbound(MsgReconnected)
		back.AgentID = agentID
		back.PreviousDisconnectTime = rec.at.Format(time.RFC3339Nano)
		back.DisconnectDurationMs = time.Since(rec.at).Milliseconds()
		back.MissedTicks = missed
		h.send(s, back)
	}
}

func (h *Hub) handleSubscribe(s *Session, channels []string) {
	out := newOutbound(MsgSubscribed)
	for _, ch := range channels {
		switch {
		case isPrivate(ch) && !s.authenticated:
			out.Failed = append(out.Failed, failedChan{Channel: ch, Reason: "Authentication required"})
		case strings.HasPrefix(ch, "agent:") && strings.TrimPrefix(ch, "agent:") != s.agentID:
			out.Failed = append(out.Failed, failedChan{Channel: ch, Reason: "Can only subscribe to own agent channel"})
		default:
			h.subscribe(s, ch)
			out.Channels = append(out.Channels, ch)
		}
	}
	h.send(s, out)
}

func (h *Hub) handleUnsubscribe(s *Session, channels []string) {
	out := newOutbound(MsgUnsubscribed)
	for _, ch := range channels {
		if s.subs[ch] {
			h.dropFromChannel(s, ch)
			delete(s.subs, ch)
			out.Channels = append(out.Channels, ch)
		}
	}
	h.send(s, out)
}

func (h *Hub) subscribe(s *Session, ch string) {
	if h.channels[ch] == nil {
		h.channels[ch] = make(map[*Session]bool)
	}
	h.channels[ch][s] = true
	s.subs[ch] = true
}

func (h *Hub) dropFromChannel(s *Session, ch string) {
	if set := h.channels[ch]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.channels, ch)
		}
	}
}

// handleBus fans one engine publication out to subscribed sessions.
//
// Topic shapes:
//
//	channel:agent:<id>   targeted: the agent's sessions subscribed to the
//	                     event's channel or to agent:<id>
//	channel:market:<SYM> broadcast on market:all, market:<SYM>, symbol:<SYM>
//	channel:tick_updates broadcast on tick and tick_updates
//	channel:<name>       broadcast on <name>
func (h *Hub) handleBus(m bus.Message) {
	key := strings.TrimPrefix(m.Topic, "channel:")

	out := newOutbound(m.Event.Type)
	out.Channel = m.Event.Channel
	if out.Channel == "" {
		out.Channel = key
	}
	out.Data = m.Event.Data

	if agentID, ok := strings.CutPrefix(key, "agent:"); ok {
		for s := range h.agentSessions[agentID] {
			if s.subs[m.Event.Channel] || s.subs["agent:"+agentID] {
				h.send(s, out)
			}
		}
		return
	}

	var fanout []string
	switch {
	case key == "tick_updates":
		fanout = []string{"tick", "tick_updates"}
	case strings.HasPrefix(key, "market:"):
		sym := strings.TrimPrefix(key, "market:")
		fanout = []string{"market:all", "market:" + sym, "symbol:" + sym}
	default:
		fanout = []string{key}
	}

	seen := make(map[*Session]bool)
	for _, ch := range fanout {
		for s := range h.channels[ch] {
			if !seen[s] {
				seen[s] = true
				h.send(s, out)
			}
		}
	}
}

// send queues an encoded message without blocking the loop. A session whose
// buffer is full is dropped rather than allowed to stall everyone else.
// Dropping closes s.send, so a send to a session that is no longer
// registered must be a no-op: handlers may send several messages in a row
// and any of them can trigger the drop.
func (h *Hub) send(s *Session, msg outbound) {
	if !h.sessions[s] {
		return
	}
	select {
	case s.send <- msg.encode():
	default:
		h.logger.Warn("session send buffer full, dropping session", "agent", s.agentID)
		h.handleUnregister(s)
	}
}
