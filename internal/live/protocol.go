// Package live is the websocket broadcast server. Sessions subscribe to
// channels; the hub fans bus publications out to matching sessions.
//
// Inbound message kinds: PING, AUTH, SUBSCRIBE, UNSUBSCRIBE. Outbound:
// CONNECTED, PONG, AUTH_SUCCESS, AUTH_ERROR, SUBSCRIBED, UNSUBSCRIBED,
// the broadcast kinds (TICK_UPDATE, PRICE_UPDATE, MARKET_UPDATE, TRADE, ...)
// and the session-lifecycle kinds (AGENT_SESSION_DISCONNECTED,
// AGENT_RECONNECTED). Every outbound message carries an ISO-8601 timestamp.
package live

import (
	"crypto/hmac"
	"encoding/json"
	"strings"
	"time"
)

// Inbound message kinds.
const (
	MsgPing        = "PING"
	MsgAuth        = "AUTH"
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
)

// Outbound message kinds.
const (
	MsgConnected           = "CONNECTED"
	MsgPong                = "PONG"
	MsgAuthSuccess         = "AUTH_SUCCESS"
	MsgAuthError           = "AUTH_ERROR"
	MsgSubscribed          = "SUBSCRIBED"
	MsgUnsubscribed        = "UNSUBSCRIBED"
	MsgError               = "ERROR"
	MsgSessionDisconnected = "AGENT_SESSION_DISCONNECTED"
	MsgReconnected         = "AGENT_RECONNECTED"
)

// inbound is the shape of every client message.
type inbound struct {
	Type     string   `json:"type"`
	APIKey   string   `json:"apiKey,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// outbound is the envelope for every server message.
type outbound struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Kind-specific fields, omitted when empty. Authenticated is a pointer
	// so CONNECTED can carry an explicit false.
	Message                string       `json:"message,omitempty"`
	AgentID                string       `json:"agentId,omitempty"`
	SocketID               string       `json:"socketId,omitempty"`
	Authenticated          *bool        `json:"authenticated,omitempty"`
	PublicChannels         []string     `json:"publicChannels,omitempty"`
	PrivateChannels        []string     `json:"privateChannels,omitempty"`
	Channels               []string     `json:"channels,omitempty"`
	Failed                 []failedChan `json:"failed,omitempty"`
	Reason                 string       `json:"reason,omitempty"`
	PreviousDisconnectTime string       `json:"previousDisconnectTime,omitempty"`
	DisconnectDurationMs   int64        `json:"disconnectDurationMs,omitempty"`
	MissedTicks            int64        `json:"missedTicks,omitempty"`
	RemainingSessions      int          `json:"remainingSessions,omitempty"`
}

// failedChan reports one channel a SUBSCRIBE could not grant.
type failedChan struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

func newOutbound(kind string) outbound {
	return outbound{Type: kind, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

func (o outbound) encode() []byte {
	b, _ := json.Marshal(o)
	return b
}

// publicChannelNames is the catalog advertised in CONNECTED. Parameterized
// market:<SYM> and symbol:<SYM> channels exist beyond these.
var publicChannelNames = []string{
	"tick", "tick_updates", "prices", "market:all",
	"news", "leaderboard", "trades", "events",
}

// privateChannelNames require a successful AUTH before subscription; the
// catalog is advertised in AUTH_SUCCESS.
var privateChannelNames = []string{
	"portfolio", "orders", "messages", "alerts", "investigations",
}

var privateChannels = func() map[string]bool {
	m := make(map[string]bool, len(privateChannelNames))
	for _, c := range privateChannelNames {
		m[c] = true
	}
	return m
}()

// isPrivate reports whether a channel requires authentication.
// agent:<id> channels are private and additionally owner-restricted.
func isPrivate(channel string) bool {
	return privateChannels[channel] || strings.HasPrefix(channel, "agent:")
}

// autoChannels are joined on connect without a SUBSCRIBE.
var autoChannels = []string{"tick", "tick_updates"}

// apiKeyPrefix is the scheme tag on live-session keys.
const apiKeyPrefix = "wss_"

// parseAPIKey splits a key of the form wss_<agentId>_<secret>.
func parseAPIKey(key string) (agentID, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, apiKeyPrefix)
	if !found {
		return "", "", false
	}
	agentID, secret, found = strings.Cut(rest, "_")
	if !found || agentID == "" || secret == "" {
		return "", "", false
	}
	return agentID, secret, true
}

// secretsEqual compares secrets in constant time.
func secretsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
