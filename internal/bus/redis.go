package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the Redis topology backing the bus.
type RedisOptions struct {
	Mode  string // "standalone" or "cluster"
	Addr  string // standalone address
	Addrs string // comma-separated cluster addresses
}

// RedisBus carries the Event envelope over Redis pub/sub so broadcast nodes
// on other processes see the engine's publications.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBus connects and verifies the server with a ping.
func NewRedisBus(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisBus, error) {
	var client redis.UniversalClient
	switch opts.Mode {
	case "cluster":
		addrs := strings.Split(opts.Addrs, ",")
		for i := range addrs {
			addrs[i] = strings.TrimSpace(addrs[i])
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs})
	case "", "standalone":
		client = redis.NewClient(&redis.Options{Addr: opts.Addr})
	default:
		return nil, fmt.Errorf("unknown redis mode %q", opts.Mode)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{client: client, logger: logger.With("component", "bus", "backend", "redis")}, nil
}

// Publish marshals the envelope and publishes it on topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a PSUBSCRIBE for pattern. The returned channel closes when
// ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.logger.Warn("dropping undecodable message", "topic", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- Message{Topic: msg.Channel, Event: e}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close tears down the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
