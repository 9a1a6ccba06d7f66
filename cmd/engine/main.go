// Market Simulation Engine — a tick-driven stock market for autonomous agents.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — tick pipeline: match → settle → prices → events → publish → dispatch → persist
//	matching/matching.go — per-symbol order books with stop triggers and market-order carry
//	book/book.go         — price-time priority limit order book
//	price/price.go       — log-return price model: regime drift, sector factor, pressure, news
//	webhook/dispatcher.go— signed payload fan-out with retries and per-agent circuit breakers
//	actions/processor.go — validates and applies the actions agents return from their webhooks
//	live/hub.go          — websocket broadcast server fed by the pub/sub bus
//	bus/                 — in-process or Redis pub/sub carrying engine publications
//	store/               — in-memory world state with atomic JSON snapshots
//
// Each tick the engine advances the world, matches the queued orders, moves
// prices, POSTs every agent its private payload, and ingests the actions the
// agents return. Agents never share state: the payload is all they see.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"marketsim/internal/actions"
	"marketsim/internal/book"
	"marketsim/internal/breaker"
	"marketsim/internal/bus"
	"marketsim/internal/config"
	"marketsim/internal/engine"
	"marketsim/internal/live"
	"marketsim/internal/matching"
	"marketsim/internal/price"
	"marketsim/internal/store"
	"marketsim/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Prices and cash serialize as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemStore()
	if err := st.Load(cfg.Store.DataDir); err != nil {
		logger.Error("failed to load snapshot", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}

	var b bus.Bus
	if cfg.PubSub.RedisEnabled {
		rb, err := bus.NewRedisBus(ctx, bus.RedisOptions{
			Mode:  cfg.PubSub.RedisMode,
			Addr:  cfg.PubSub.RedisAddr,
			Addrs: cfg.PubSub.RedisAddrs,
		}, logger)
		if err != nil {
			logger.Error("failed to connect redis", "error", err)
			os.Exit(1)
		}
		b = rb
	} else {
		b = bus.NewMemBus(logger)
	}
	defer b.Close()

	maxPrice, err := decimal.NewFromString(cfg.Matching.MaxPrice)
	if err != nil {
		logger.Error("invalid matching.max_price", "error", err)
		os.Exit(1)
	}
	floor, err := decimal.NewFromString(cfg.Price.Floor)
	if err != nil {
		logger.Error("invalid price.floor", "error", err)
		os.Exit(1)
	}
	bribeMin, err := decimal.NewFromString(cfg.Actions.BribeMinimum)
	if err != nil {
		logger.Error("invalid actions.bribe_minimum", "error", err)
		os.Exit(1)
	}

	match := matching.New(book.Policy{
		AllowSelfTrade: cfg.Matching.AllowSelfTrade,
		MaxQuantity:    cfg.Matching.MaxQuantity,
		MaxPrice:       maxPrice,
	}, logger)

	model := price.New(price.Params{
		MaxTickMove:     cfg.Price.MaxTickMove,
		Floor:           floor,
		PressureWeight:  cfg.Price.PressureWeight,
		SectorWeight:    cfg.Price.SectorWeight,
		SentimentWeight: cfg.Price.SentimentWeight,
		SentimentDecay:  cfg.Price.SentimentDecay,
		Seed:            cfg.Price.Seed,
	}, logger)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.Webhook.CircuitThreshold,
		RecoveryWindow:    cfg.Webhook.CircuitRecovery,
		HalfOpenSuccesses: cfg.Webhook.CircuitHalfOpenSuccesses,
	})

	dispatcher := webhook.New(webhook.Options{
		Timeout:       cfg.Webhook.Timeout,
		MaxRetries:    cfg.Webhook.MaxRetries,
		BackoffBase:   cfg.Webhook.BackoffBase,
		BackoffMax:    cfg.Webhook.BackoffMax,
		BackoffJitter: cfg.Webhook.BackoffJitter,
	}, breakers, st, logger)

	proc := actions.New(st, match, actions.Config{
		MaxPerTick:     cfg.Actions.MaxPerTick,
		RumorCost:      cfg.Actions.RumorCost,
		BribeMinimum:   bribeMin,
		FleeSentence:   cfg.Actions.FleeSentence,
		WhistleblowRep: cfg.Actions.WhistleblowRep,
	}, logger)

	eng := engine.New(cfg, st, match, model, dispatcher, proc, b, logger)
	eng.Bootstrap()

	errCh := make(chan error, 2)
	if cfg.Live.Enabled {
		hub := live.NewHub(st, b, logger)
		srv := live.NewServer(hub, cfg.Live.Port, logger)
		go func() { errCh <- srv.Run(ctx) }()
	}
	go func() { errCh <- eng.Run(ctx) }()

	logger.Info("market simulation started",
		"interval", cfg.Tick.Interval,
		"symbols", len(st.Companies()),
		"agents", len(st.Agents()),
		"live", cfg.Live.Enabled,
		"redis", cfg.PubSub.RedisEnabled,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("component failed", "error", err)
			os.Exit(1)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
