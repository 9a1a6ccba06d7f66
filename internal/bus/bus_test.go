package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testBus() *MemBus {
	return NewMemBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestExactTopicDelivery(t *testing.T) {
	t.Parallel()
	b := testBus()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, "channel:tick")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "channel:tick", Event{Type: "TICK_UPDATE", Data: json.RawMessage(`{"tick":1}`)}); err != nil {
		t.Fatal(err)
	}

	m := recv(t, ch)
	if m.Topic != "channel:tick" || m.Event.Type != "TICK_UPDATE" {
		t.Errorf("got %+v", m)
	}
}

func TestPatternMatchesPrefix(t *testing.T) {
	t.Parallel()
	b := testBus()
	defer b.Close()
	ctx := context.Background()

	ch, _ := b.Subscribe(ctx, "channel:*")
	b.Publish(ctx, "channel:market:ACME", Event{Type: "MARKET_UPDATE", Channel: "market:ACME"})
	b.Publish(ctx, "heartbeat", Event{Type: "HEARTBEAT"})

	m := recv(t, ch)
	if m.Topic != "channel:market:ACME" {
		t.Errorf("topic = %s", m.Topic)
	}
	select {
	case m := <-ch:
		t.Errorf("pattern should not match heartbeat, got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	t.Parallel()
	b := testBus()
	defer b.Close()
	ctx := context.Background()

	a, _ := b.Subscribe(ctx, "t")
	c, _ := b.Subscribe(ctx, "t")
	b.Publish(ctx, "t", Event{Type: "X"})

	if recv(t, a).Event.Type != "X" || recv(t, c).Event.Type != "X" {
		t.Error("both subscribers should receive the event")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := testBus()
	defer b.Close()
	ctx := context.Background()

	b.Subscribe(ctx, "t") // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(ctx, "t", Event{Type: "X"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	t.Parallel()
	b := testBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "t")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after removal must not panic or deliver.
	if err := b.Publish(context.Background(), "t", Event{Type: "X"}); err != nil {
		t.Fatal(err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := testBus()
	ch, _ := b.Subscribe(context.Background(), "t")
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should close with the bus")
	}
}

func TestMatchTopic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"channel:tick", "channel:tick", true},
		{"channel:tick", "channel:ticks", false},
		{"channel:*", "channel:market:ACME", true},
		{"channel:*", "channel:", true},
		{"channel:*", "heartbeat", false},
		{"*", "anything", true},
	}
	for _, tc := range cases {
		if got := matchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}
