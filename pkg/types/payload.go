package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebhookPayload is the per-participant JSON body POSTed every tick.
// Array fields are always present, empty rather than null.
type WebhookPayload struct {
	Tick          int64           `json:"tick"`
	Timestamp     time.Time       `json:"timestamp"`
	Portfolio     Portfolio       `json:"portfolio"`
	Orders        []Order         `json:"orders"` // non-terminal orders only
	Market        MarketSnapshot  `json:"market"`
	World         WorldState      `json:"world"`
	News          []News          `json:"news"`
	Messages      []Message       `json:"messages"`
	Alerts        []Alert         `json:"alerts"`
	Investigations []Investigation `json:"investigations"`
	ActionResults []ActionResult  `json:"actionResults"`
}

// Portfolio is the participant's account view inside a webhook payload.
type Portfolio struct {
	AgentID         string          `json:"agentId"`
	Cash            decimal.Decimal `json:"cash"`
	MarginUsed      decimal.Decimal `json:"marginUsed"`
	MarginAvailable decimal.Decimal `json:"marginAvailable"` // limit - used
	NetWorth        decimal.Decimal `json:"netWorth"`        // cash + sum of market values
	Positions       []Position      `json:"positions"`
}

// Position is one holding valued at the current price.
type Position struct {
	Symbol               string          `json:"symbol"`
	Shares               int64           `json:"shares"`
	AverageCost          decimal.Decimal `json:"averageCost"`
	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	MarketValue          decimal.Decimal `json:"marketValue"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnL"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnLPercent"`
}

// MarketSnapshot is the market section of a webhook payload.
// RecentTrades is restricted to trades where the recipient is buyer or seller.
type MarketSnapshot struct {
	Indices      []IndexQuote `json:"indices"`
	Watchlist    []StockQuote `json:"watchlist"`
	RecentTrades []Trade      `json:"recentTrades"`
}

// IndexQuote is a market index level.
type IndexQuote struct {
	Name          string          `json:"name"`
	Value         decimal.Decimal `json:"value"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// StockQuote is a per-symbol quote in the payload watchlist.
type StockQuote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Sector        string          `json:"sector"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	MarketCap     decimal.Decimal `json:"marketCap"`
}

// Alert is a reserved per-participant notification slot in the payload.
type Alert struct {
	ID        string    `json:"id"`
	Tick      int64     `json:"tick"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Quote builds a StockQuote from a company's current and previous prices.
func (c *Company) Quote() StockQuote {
	change := c.Price.Sub(c.PrevClose)
	pct := decimal.Zero
	if !c.PrevClose.IsZero() {
		pct = change.Div(c.PrevClose).Mul(decimal.NewFromInt(100))
	}
	return StockQuote{
		Symbol:        c.Symbol,
		Name:          c.Name,
		Sector:        c.Sector,
		Price:         c.Price,
		Change:        change,
		ChangePercent: pct,
		Volume:        c.Volume,
		High:          c.High,
		Low:           c.Low,
		MarketCap:     c.MarketCap(),
	}
}
