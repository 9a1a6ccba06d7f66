// Package bus is the pub/sub seam between the tick engine and the live
// broadcast hub. The engine publishes tick-scoped events onto topics; the hub
// subscribes with patterns and fans messages out to websocket sessions.
//
// The in-process bus is the single-node default. A Redis-backed bus (see
// redis.go) carries the same envelope across nodes so multiple broadcast
// servers can serve one engine.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Event is the envelope published on every topic. Data holds the
// already-marshaled payload so subscribers forward it without re-encoding.
type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message pairs a delivered event with the concrete topic it arrived on.
type Message struct {
	Topic string
	Event Event
}

// Bus is the transport contract. Patterns use a single trailing "*" wildcard,
// matching Redis PSUBSCRIBE for the shapes the engine publishes
// (e.g. "channel:*" matches "channel:market:ACME").
type Bus interface {
	Publish(ctx context.Context, topic string, e Event) error
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)
	Close() error
}

// matchTopic reports whether topic matches pattern (exact, or prefix
// with a trailing "*").
func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing messages rather than stalling the
// publisher.
const subscriberBuffer = 256

type memSub struct {
	pattern string
	ch      chan Message
	done    <-chan struct{}
}

// MemBus is the in-process bus. Delivery is non-blocking per subscriber.
type MemBus struct {
	mu     sync.RWMutex
	subs   []*memSub
	closed bool
	logger *slog.Logger
}

// NewMemBus creates an in-process bus.
func NewMemBus(logger *slog.Logger) *MemBus {
	return &MemBus{logger: logger.With("component", "bus")}
}

// Publish delivers e to every subscriber whose pattern matches topic.
// A full subscriber drops the message; publishing never blocks the tick.
func (b *MemBus) Publish(_ context.Context, topic string, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, s := range b.subs {
		if !matchTopic(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- Message{Topic: topic, Event: e}:
		case <-s.done:
		default:
			b.logger.Warn("slow subscriber, message dropped", "topic", topic, "pattern", s.pattern)
		}
	}
	return nil
}

// Subscribe registers a pattern. The returned channel closes when ctx is
// cancelled or the bus closes.
func (b *MemBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	s := &memSub{
		pattern: pattern,
		ch:      make(chan Message, subscriberBuffer),
		done:    ctx.Done(),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s)
	}()
	return s.ch, nil
}

func (b *MemBus) remove(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close drops all subscribers and closes their channels.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	return nil
}
