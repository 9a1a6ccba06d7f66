// Package engine drives the simulation clock. Each tick runs one serialized
// pipeline: advance the world, match orders, settle trades, move prices,
// generate events and news, publish to the bus, dispatch webhooks, ingest the
// returned actions, and persist a snapshot.
//
// The pipeline is the only writer of simulation state. Webhook fan-out is
// concurrent inside its step but joins before the pipeline continues.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/actions"
	"marketsim/internal/book"
	"marketsim/internal/bus"
	"marketsim/internal/config"
	"marketsim/internal/matching"
	"marketsim/internal/metrics"
	"marketsim/internal/price"
	"marketsim/internal/store"
	"marketsim/internal/webhook"
	"marketsim/pkg/types"
)

// seedAgentID is the reserved account that provides bootstrap liquidity.
const seedAgentID = "market-maker"

// Engine owns the tick loop and the per-tick pipeline.
type Engine struct {
	cfg        *config.Config
	store      *store.MemStore
	match      *matching.Engine
	model      *price.Model
	dispatcher *webhook.Dispatcher
	actions    *actions.Processor
	bus        bus.Bus
	logger     *slog.Logger
	rng        *rand.Rand

	// Results of the previous tick's ingested actions, delivered in the next
	// payload per agent.
	pendingResults map[string][]types.ActionResult

	// Previous composite index level, for the payload's index change fields.
	prevIndex decimal.Decimal
}

// New wires an engine from its parts.
func New(cfg *config.Config, st *store.MemStore, match *matching.Engine, model *price.Model,
	dispatcher *webhook.Dispatcher, proc *actions.Processor, b bus.Bus, logger *slog.Logger) *Engine {
	seed := cfg.Price.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		cfg:            cfg,
		store:          st,
		match:          match,
		model:          model,
		dispatcher:     dispatcher,
		actions:        proc,
		bus:            b,
		logger:         logger.With("component", "engine"),
		rng:            rand.New(rand.NewSource(seed)),
		pendingResults: make(map[string][]types.ActionResult),
	}
}

// Bootstrap prepares the books before the first tick: registers every listed
// symbol, restores live orders when auto-recovery is on, and rests seed
// liquidity if configured.
func (e *Engine) Bootstrap() {
	for _, c := range e.store.Companies() {
		e.match.EnsureBook(c.Symbol, c.Price)
	}
	if e.cfg.Tick.AutoRecovery {
		last := make(map[string]decimal.Decimal)
		for _, c := range e.store.Companies() {
			last[c.Symbol] = c.Price
		}
		e.match.Restore(e.store.LiveOrders(), last)
	}
	if e.cfg.Matching.SeedLiquidity {
		e.seedLiquidity()
	}
}

// seedLiquidity rests a ladder of limit quotes around each symbol's price
// from the reserved market-maker account. The orders go through the store as
// ordinary pendings and match on the first tick.
func (e *Engine) seedLiquidity() {
	if _, err := e.store.Agent(seedAgentID); err != nil {
		e.store.UpsertAgent(&types.Agent{
			ID:         seedAgentID,
			Name:       "Market Maker",
			Role:       types.RoleTrader,
			Status:     types.AgentActive,
			Cash:       decimal.NewFromInt(1_000_000_000),
			Reputation: 50,
		})
	}

	tick := e.store.World().CurrentTick
	now := time.Now().UTC()
	step := decimal.RequireFromString("0.005") // half a percent per rung
	for _, c := range e.store.Companies() {
		for i := 1; i <= e.cfg.Matching.SeedDepth; i++ {
			offset := c.Price.Mul(step).Mul(decimal.NewFromInt(int64(i)))
			bid := c.Price.Sub(offset).Round(4)
			ask := c.Price.Add(offset).Round(4)
			for _, q := range []struct {
				side  types.Side
				price decimal.Decimal
			}{{types.BUY, bid}, {types.SELL, ask}} {
				p := q.price
				e.store.SaveOrder(&types.Order{
					ID:            uuid.NewString(),
					AgentID:       seedAgentID,
					Symbol:        c.Symbol,
					Side:          q.side,
					Type:          types.OrderTypeLimit,
					Quantity:      100,
					Price:         &p,
					Status:        types.OrderPending,
					TickSubmitted: tick,
					CreatedAt:     now,
				})
			}
		}
	}
	e.logger.Info("seed liquidity queued", "symbols", len(e.store.Companies()), "depth", e.cfg.Matching.SeedDepth)
}

// Run ticks at the configured interval until ctx ends or a tick fails
// fatally. A slow tick logs lag and carries on; only a failed critical
// persist stops the clock.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick.Interval)
	defer ticker.Stop()

	e.logger.Info("engine started", "interval", e.cfg.Tick.Interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := e.Tick(ctx); err != nil {
				e.publishHeartbeat(e.store.World().CurrentTick, "error", time.Since(start), nil)
				e.logger.Error("tick failed fatally", "error", err)
				return err
			}
			elapsed := time.Since(start)
			metrics.TickDuration.Observe(elapsed.Seconds())
			if elapsed > e.cfg.Tick.Interval {
				e.logger.Warn("tick overran its budget", "elapsed", elapsed, "interval", e.cfg.Tick.Interval)
			}
		}
	}
}

// Tick executes one full pipeline pass.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()

	world := e.store.World()
	tick := world.CurrentTick + 1
	world.CurrentTick = tick
	world.MarketOpen = e.marketOpen(tick)
	world.LastTickAt = start.UTC()
	e.store.SetWorld(world)
	metrics.CurrentTick.Set(float64(tick))

	// While the market is closed only the tick update goes out: no matching,
	// no price moves, no dispatch, no ingest. Queued orders wait for the open.
	var trades []types.Trade
	var results []webhook.Result
	if world.MarketOpen {
		var pressure map[string]int64
		var err error
		trades, pressure, err = e.matchAll(tick, start)
		if err != nil {
			return err
		}
		e.advancePrices(tick, &world, pressure)
		e.generateEvent(tick)
		e.feedSentiment(tick)
		e.publishTick(ctx, tick, world, trades)

		results = e.dispatchWebhooks(ctx, tick)
		e.ingestActions(tick, results)
	} else {
		e.publishClosedTick(ctx, tick, world)
	}

	if err := e.store.Save(e.cfg.Store.DataDir); err != nil {
		return fmt.Errorf("persist world snapshot: %w", err)
	}

	e.publishHeartbeat(tick, "ok", time.Since(start), results)
	e.logger.Info("tick complete",
		"tick", tick, "open", world.MarketOpen,
		"trades", len(trades), "duration", time.Since(start))
	return nil
}

// marketOpen applies the tick-day schedule. TicksPerDay of zero means the
// market never closes.
func (e *Engine) marketOpen(tick int64) bool {
	if e.cfg.Tick.TicksPerDay <= 0 {
		return true
	}
	offset := tick % e.cfg.Tick.TicksPerDay
	return offset >= e.cfg.Tick.MarketOpenTick && offset < e.cfg.Tick.MarketCloseTick
}

// matchAll runs the matching pass for every symbol in stable order and
// settles the results: order statuses, trades, holdings, and cash. The
// returned pressure map carries each symbol's net signed volume, signed by
// the incoming (aggressor) order's side. A failed holding or cash write is
// fatal for the tick.
func (e *Engine) matchAll(tick int64, now time.Time) ([]types.Trade, map[string]int64, error) {
	pending := e.store.PendingBySymbol()

	symbols := e.match.Symbols()
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for s := range pending {
		if !seen[s] {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	var all []types.Trade
	volume := make(map[string]int64)
	pressure := make(map[string]int64)
	for _, sym := range symbols {
		results := e.match.MatchSymbol(sym, pending[sym], tick, now)
		for _, res := range results {
			if err := e.settle(res, &all, volume, pressure); err != nil {
				return nil, nil, err
			}
		}
	}

	if len(all) > 0 {
		e.store.AppendTrades(all)
		metrics.TradesMatched.Add(float64(len(all)))
	}
	for sym, vol := range volume {
		if c, err := e.store.Company(sym); err == nil {
			c.Volume = vol
			e.store.UpsertCompany(&c)
		}
	}
	return all, pressure, nil
}

// settle persists one submit result: the incoming order's new state, the
// affected resting orders, and both parties' cash and holdings per trade.
// Holding and cash writes are critical: a failure aborts the tick.
func (e *Engine) settle(res book.SubmitResult, all *[]types.Trade, volume, pressure map[string]int64) error {
	e.store.SaveOrder(res.Order)
	metrics.OrdersSubmitted.WithLabelValues(string(res.Order.Status)).Inc()
	if res.Rejected {
		e.logger.Debug("order rejected", "order", res.Order.ID, "reason", res.Reason)
		return nil
	}

	for i := range res.Affected {
		d := &res.Affected[i]
		if o, err := e.store.Order(d.OrderID); err == nil {
			o.FilledQuantity = d.FilledQuantity
			avg := d.AvgFillPrice
			o.AvgFillPrice = &avg
			o.Status = d.Status
			if d.Status == types.OrderFilled && o.TickFilled == nil {
				t := res.Order.TickSubmitted
				if res.Trades != nil {
					t = res.Trades[0].Tick
				}
				o.TickFilled = &t
			}
			e.store.SaveOrder(&o)
		}
	}

	for _, tr := range res.Trades {
		*all = append(*all, tr)
		volume[tr.Symbol] += tr.Quantity
		if res.Order.Side == types.BUY {
			pressure[tr.Symbol] += tr.Quantity
		} else {
			pressure[tr.Symbol] -= tr.Quantity
		}
		if err := e.store.ApplyFill(tr.BuyerID, tr.Symbol, tr.Quantity, tr.Price); err != nil {
			return fmt.Errorf("settle buyer %s for trade %s: %w", tr.BuyerID, tr.ID, err)
		}
		if err := e.store.ApplyFill(tr.SellerID, tr.Symbol, -tr.Quantity, tr.Price); err != nil {
			return fmt.Errorf("settle seller %s for trade %s: %w", tr.SellerID, tr.ID, err)
		}
	}
	return nil
}

// advancePrices runs the model over every company and pushes the new prices
// into the books so stop triggers track the market.
func (e *Engine) advancePrices(tick int64, world *types.WorldState, pressure map[string]int64) {
	events := e.store.ActiveEvents(tick)
	var moves []price.Move
	e.store.MutateCompanies(func(companies []*types.Company) {
		moves = e.model.AdvanceTick(tick, world, companies, pressure, events)
	})
	for _, mv := range moves {
		e.match.SetLastPrice(mv.Symbol, mv.New)
	}
}

// generateEvent rolls for one new tick-scoped market event and its headline.
func (e *Engine) generateEvent(tick int64) {
	if !e.cfg.Events.Enabled || e.rng.Float64() >= e.cfg.Events.Chance {
		return
	}
	companies := e.store.Companies()
	if len(companies) == 0 {
		return
	}

	magnitude := (e.rng.Float64()*2 - 1) * 0.05
	duration := int64(3 + e.rng.Intn(8))
	ev := types.MarketEvent{
		ID:        uuid.NewString(),
		Tick:      tick,
		Magnitude: magnitude,
		Duration:  duration,
	}

	c := companies[e.rng.Intn(len(companies))]
	direction := "rallies"
	if magnitude < 0 {
		direction = "slides"
	}
	var headline string
	if e.rng.Float64() < 0.5 {
		ev.Sector = c.Sector
		headline = fmt.Sprintf("%s sector %s on macro shift", c.Sector, direction)
	} else {
		ev.Symbol = c.Symbol
		headline = fmt.Sprintf("%s %s after surprise announcement", c.Name, direction)
	}
	ev.Headline = headline
	e.store.AppendEvent(ev)

	sentiment := magnitude * 10
	if sentiment > 1 {
		sentiment = 1
	} else if sentiment < -1 {
		sentiment = -1
	}
	n := types.News{
		ID:        uuid.NewString(),
		Tick:      tick,
		Headline:  headline,
		Category:  types.NewsMarket,
		Sentiment: sentiment,
		CreatedAt: time.Now().UTC(),
	}
	if ev.Symbol != "" {
		n.Symbols = []string{ev.Symbol}
	}
	e.store.AppendNews(n)
	e.logger.Info("market event", "headline", headline, "magnitude", magnitude, "duration", duration)
}

// feedSentiment pushes this tick's news sentiment into the price model's
// per-symbol aggregate. Rumors land here the tick they are published.
func (e *Engine) feedSentiment(tick int64) {
	for _, n := range e.store.NewsForTick(tick) {
		for _, sym := range n.Symbols {
			e.model.AddSentiment(sym, n.Sentiment)
		}
	}
}

// dispatchWebhooks fans the tick payload out to every active agent with an
// endpoint and joins on all outcomes.
func (e *Engine) dispatchWebhooks(ctx context.Context, tick int64) []webhook.Result {
	var targets []webhook.Target
	for _, a := range e.store.Agents() {
		if a.WebhookURL == "" || a.ID == seedAgentID {
			continue
		}
		if a.Status != types.AgentActive && a.Status != types.AgentImprisoned {
			continue
		}
		targets = append(targets, webhook.Target{
			Agent:   a,
			Payload: e.buildPayload(tick, a),
		})
	}
	if len(targets) == 0 {
		return nil
	}
	return e.dispatcher.DispatchAll(ctx, tick, targets)
}

// ingestActions runs the processor over every successful dispatch's actions
// and stages the results for the next tick's payloads. Everything the
// actions create (orders, rumors, messages) is stamped with the next tick:
// this tick's matching and publication have already run, so the artifacts
// take effect alongside the results that report them.
func (e *Engine) ingestActions(tick int64, results []webhook.Result) {
	next := make(map[string][]types.ActionResult)
	for _, r := range results {
		if r.Outcome != webhook.OutcomeSuccess || len(r.Actions) == 0 {
			continue
		}
		next[r.AgentID] = e.actions.Process(tick+1, r.AgentID, r.Actions)
	}
	e.pendingResults = next
}

// publishHeartbeat emits the per-tick liveness signal on the bus.
func (e *Engine) publishHeartbeat(tick int64, status string, elapsed time.Duration, results []webhook.Result) {
	var ok, failed, skipped int
	for _, r := range results {
		switch r.Outcome {
		case webhook.OutcomeSuccess:
			ok++
		case webhook.OutcomeFailed:
			failed++
		case webhook.OutcomeSkipped:
			skipped++
		}
	}
	data := mustJSON(map[string]any{
		"tick":            tick,
		"status":          status,
		"durationMs":      elapsed.Milliseconds(),
		"webhookSuccess":  ok,
		"webhookFailed":   failed,
		"webhookSkipped":  skipped,
	})
	_ = e.bus.Publish(context.Background(), "heartbeat", bus.Event{Type: "HEARTBEAT", Data: data})
}
