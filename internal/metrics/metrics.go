// Package metrics exposes the engine's Prometheus instrumentation.
// Collectors are registered on the default registry; the live HTTP server
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration observes wall time per completed tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketsim",
		Name:      "tick_duration_seconds",
		Help:      "Wall time spent processing one tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// CurrentTick tracks the latest completed tick number.
	CurrentTick = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsim",
		Name:      "current_tick",
		Help:      "Latest completed tick.",
	})

	// TradesMatched counts executed trades.
	TradesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketsim",
		Name:      "trades_matched_total",
		Help:      "Trades executed by the matching engine.",
	})

	// OrdersSubmitted counts orders by terminal-or-live status after their
	// first matching pass.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketsim",
		Name:      "orders_submitted_total",
		Help:      "Orders submitted to the books, labeled by post-match status.",
	}, []string{"status"})

	// WebhookOutcomes counts per-recipient dispatch outcomes.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketsim",
		Name:      "webhook_outcomes_total",
		Help:      "Webhook dispatch outcomes (success, failed, skipped).",
	}, []string{"outcome"})

	// WebhookAttempts observes HTTP attempts per dispatch.
	WebhookAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketsim",
		Name:      "webhook_attempts",
		Help:      "HTTP attempts per webhook dispatch.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// BreakersOpen tracks how many recipient circuits are open.
	BreakersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsim",
		Name:      "breakers_open",
		Help:      "Recipient circuit breakers currently open.",
	})

	// LiveSessions tracks connected websocket sessions.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketsim",
		Name:      "live_sessions",
		Help:      "Connected websocket sessions.",
	})

	// ActionsProcessed counts ingested participant actions by result.
	ActionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketsim",
		Name:      "actions_processed_total",
		Help:      "Participant actions processed, labeled by type and result.",
	}, []string{"type", "result"})
)
