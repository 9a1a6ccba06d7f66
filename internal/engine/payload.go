package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/bus"
	"marketsim/pkg/types"
)

// indexDivisor scales the market-cap sum into a readable index level.
var indexDivisor = decimal.NewFromInt(1_000_000)

// compositeIndexName is the single market index published in payloads.
const compositeIndexName = "MSX Composite"

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// buildPayload assembles one agent's webhook body for the tick. Array fields
// are always non-nil so they serialize as [] rather than null.
func (e *Engine) buildPayload(tick int64, agent types.Agent) types.WebhookPayload {
	companies := e.store.Companies()
	priceOf := make(map[string]decimal.Decimal, len(companies))
	for _, c := range companies {
		priceOf[c.Symbol] = c.Price
	}

	p := types.WebhookPayload{
		Tick:           tick,
		Timestamp:      time.Now().UTC(),
		Portfolio:      e.buildPortfolio(agent, priceOf),
		Orders:         make([]types.Order, 0),
		World:          e.store.World(),
		News:           make([]types.News, 0),
		Messages:       make([]types.Message, 0),
		Alerts:         make([]types.Alert, 0),
		Investigations: make([]types.Investigation, 0),
		ActionResults:  make([]types.ActionResult, 0),
	}

	p.Orders = append(p.Orders, e.store.OrdersByAgent(agent.ID)...)
	p.News = append(p.News, e.store.NewsForTick(tick)...)
	p.Messages = append(p.Messages, e.store.MessagesFor(agent.ID, tick)...)
	p.Investigations = append(p.Investigations, e.store.InvestigationsFor(agent.ID)...)
	p.ActionResults = append(p.ActionResults, e.pendingResults[agent.ID]...)

	p.Market = types.MarketSnapshot{
		Indices:      []types.IndexQuote{e.compositeIndex(companies)},
		Watchlist:    make([]types.StockQuote, 0, len(companies)),
		RecentTrades: make([]types.Trade, 0),
	}
	for i := range companies {
		p.Market.Watchlist = append(p.Market.Watchlist, companies[i].Quote())
	}
	p.Market.RecentTrades = append(p.Market.RecentTrades, e.store.RecentTradesFor(agent.ID, 20)...)

	return p
}

func (e *Engine) buildPortfolio(agent types.Agent, priceOf map[string]decimal.Decimal) types.Portfolio {
	pf := types.Portfolio{
		AgentID:         agent.ID,
		Cash:            agent.Cash,
		MarginUsed:      agent.MarginUsed,
		MarginAvailable: agent.MarginLimit.Sub(agent.MarginUsed),
		NetWorth:        agent.Cash,
		Positions:       make([]types.Position, 0),
	}

	for _, h := range e.store.Holdings(agent.ID) {
		px := priceOf[h.Symbol]
		qty := decimal.NewFromInt(h.Quantity)
		value := px.Mul(qty)
		cost := h.AverageCost.Mul(qty)
		pnl := value.Sub(cost)
		pnlPct := decimal.Zero
		if !cost.IsZero() {
			pnlPct = pnl.Div(cost.Abs()).Mul(decimal.NewFromInt(100))
		}
		pf.Positions = append(pf.Positions, types.Position{
			Symbol:               h.Symbol,
			Shares:               h.Quantity,
			AverageCost:          h.AverageCost,
			CurrentPrice:         px,
			MarketValue:          value,
			UnrealizedPnL:        pnl,
			UnrealizedPnLPercent: pnlPct,
		})
		pf.NetWorth = pf.NetWorth.Add(value)
	}
	return pf
}

// compositeIndex levels the whole market by total cap over a fixed divisor.
func (e *Engine) compositeIndex(companies []types.Company) types.IndexQuote {
	total := decimal.Zero
	for i := range companies {
		total = total.Add(companies[i].MarketCap())
	}
	level := decimal.Zero
	if !total.IsZero() {
		level = total.Div(indexDivisor).Round(2)
	}

	change := decimal.Zero
	pct := decimal.Zero
	if !e.prevIndex.IsZero() {
		change = level.Sub(e.prevIndex)
		pct = change.Div(e.prevIndex).Mul(decimal.NewFromInt(100)).Round(4)
	}
	e.prevIndex = level

	return types.IndexQuote{
		Name:          compositeIndexName,
		Value:         level,
		Change:        change,
		ChangePercent: pct,
	}
}

// publishClosedTick is the only publication while the market is closed.
func (e *Engine) publishClosedTick(ctx context.Context, tick int64, world types.WorldState) {
	e.publish(ctx, "channel:tick_updates", bus.Event{
		Type:    "TICK_UPDATE",
		Channel: "tick_updates",
		Data: mustJSON(map[string]any{
			"tick":       tick,
			"marketOpen": false,
			"regime":     world.Regime,
		}),
	})
}

// publishTick pushes the tick's public and private events onto the bus.
func (e *Engine) publishTick(ctx context.Context, tick int64, world types.WorldState, trades []types.Trade) {
	companies := e.store.Companies()

	e.publish(ctx, "channel:tick_updates", bus.Event{
		Type:    "TICK_UPDATE",
		Channel: "tick_updates",
		Data: mustJSON(map[string]any{
			"tick":       tick,
			"marketOpen": world.MarketOpen,
			"regime":     world.Regime,
		}),
	})

	quotes := make([]types.StockQuote, 0, len(companies))
	for i := range companies {
		quotes = append(quotes, companies[i].Quote())
	}
	e.publish(ctx, "channel:prices", bus.Event{
		Type:    "PRICE_UPDATE",
		Channel: "prices",
		Data:    mustJSON(map[string]any{"tick": tick, "quotes": quotes}),
	})

	for i := range companies {
		c := &companies[i]
		e.publish(ctx, "channel:market:"+c.Symbol, bus.Event{
			Type:    "MARKET_UPDATE",
			Channel: "market:" + c.Symbol,
			Data:    mustJSON(c.Quote()),
		})
	}

	for _, tr := range trades {
		e.publish(ctx, "channel:trades", bus.Event{
			Type:    "TRADE",
			Channel: "trades",
			Data:    mustJSON(tr),
		})
	}

	for _, n := range e.store.NewsForTick(tick) {
		e.publish(ctx, "channel:news", bus.Event{
			Type:    "NEWS_UPDATE",
			Channel: "news",
			Data:    mustJSON(n),
		})
	}

	for _, ev := range e.store.ActiveEvents(tick) {
		if ev.Tick != tick {
			continue
		}
		e.publish(ctx, "channel:events", bus.Event{
			Type:    "MARKET_EVENT",
			Channel: "events",
			Data:    mustJSON(ev),
		})
	}

	e.publish(ctx, "channel:leaderboard", bus.Event{
		Type:    "LEADERBOARD",
		Channel: "leaderboard",
		Data:    mustJSON(map[string]any{"tick": tick, "standings": e.leaderboard(companies)}),
	})

	e.publishPrivate(ctx, tick, trades)
}

// leaderboardEntry is one row of the net-worth ranking.
type leaderboardEntry struct {
	Rank     int             `json:"rank"`
	AgentID  string          `json:"agentId"`
	Name     string          `json:"name"`
	NetWorth decimal.Decimal `json:"netWorth"`
	Status   types.AgentStatus `json:"status"`
}

func (e *Engine) leaderboard(companies []types.Company) []leaderboardEntry {
	priceOf := make(map[string]decimal.Decimal, len(companies))
	for i := range companies {
		priceOf[companies[i].Symbol] = companies[i].Price
	}

	entries := make([]leaderboardEntry, 0)
	for _, a := range e.store.Agents() {
		if a.ID == seedAgentID {
			continue
		}
		worth := a.Cash
		for _, h := range e.store.Holdings(a.ID) {
			worth = worth.Add(priceOf[h.Symbol].Mul(decimal.NewFromInt(h.Quantity)))
		}
		entries = append(entries, leaderboardEntry{
			AgentID:  a.ID,
			Name:     a.Name,
			NetWorth: worth,
			Status:   a.Status,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].NetWorth.Equal(entries[j].NetWorth) {
			return entries[i].NetWorth.GreaterThan(entries[j].NetWorth)
		}
		return entries[i].AgentID < entries[j].AgentID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// publishPrivate emits per-agent order and portfolio updates on the agents'
// private topics.
func (e *Engine) publishPrivate(ctx context.Context, tick int64, trades []types.Trade) {
	touched := make(map[string]bool)
	for _, tr := range trades {
		touched[tr.BuyerID] = true
		touched[tr.SellerID] = true
	}

	companies := e.store.Companies()
	priceOf := make(map[string]decimal.Decimal, len(companies))
	for i := range companies {
		priceOf[companies[i].Symbol] = companies[i].Price
	}

	for agentID := range touched {
		if agentID == seedAgentID {
			continue
		}
		agent, err := e.store.Agent(agentID)
		if err != nil {
			continue
		}
		topic := "channel:agent:" + agentID
		e.publish(ctx, topic, bus.Event{
			Type:    "PORTFOLIO_UPDATE",
			Channel: "portfolio",
			Data:    mustJSON(e.buildPortfolio(agent, priceOf)),
		})
		e.publish(ctx, topic, bus.Event{
			Type:    "ORDER_UPDATE",
			Channel: "orders",
			Data:    mustJSON(map[string]any{"tick": tick, "orders": e.store.OrdersByAgent(agentID)}),
		})
	}
}

func (e *Engine) publish(ctx context.Context, topic string, ev bus.Event) {
	if err := e.bus.Publish(ctx, topic, ev); err != nil {
		e.logger.Warn("bus publish failed", "topic", topic, "error", err)
	}
}
