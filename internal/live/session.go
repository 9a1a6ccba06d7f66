package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The engine serves programmatic clients, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one websocket connection. The auth and subscription fields are
// owned by the hub's Run loop; the pumps only move bytes.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string // socket id, reported in CONNECTED and disconnect notices

	authenticated bool
	agentID       string
	subs          map[string]bool
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
		subs: make(map[string]bool),
	}
}

// serveWs upgrades an HTTP request and starts the session pumps.
func serveWs(h *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := newSession(h, conn)
	h.register <- s
	go s.writePump()
	go s.readPump()
}

// readPump forwards decoded client messages to the hub until the connection
// drops, then unregisters.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("session read error", "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			out := newOutbound(MsgError)
			out.Message = "invalid JSON"
			select {
			case s.send <- out.encode():
			default:
			}
			continue
		}
		s.hub.inbound <- sessionMessage{s: s, msg: msg}
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. A closed send channel (hub-side drop) ends the session.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
