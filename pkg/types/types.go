// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — orders, trades,
// holdings, participant accounts, world state, news, and the action taxonomy
// participants submit through their webhooks. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET" // execute immediately at best available price
	OrderTypeLimit  OrderType = "LIMIT"  // execute at limit price or better, rest otherwise
	OrderTypeStop   OrderType = "STOP"   // held off-book until the stop price triggers
)

// OrderStatus is the order lifecycle state.
// Terminal statuses (filled, cancelled, rejected) never transition again.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"   // created, not yet through a matching pass
	OrderOpen      OrderStatus = "open"      // resting on the book
	OrderPartial   OrderStatus = "partial"   // partially filled, remainder live
	OrderFilled    OrderStatus = "filled"    // fully filled (terminal)
	OrderCancelled OrderStatus = "cancelled" // cancelled by owner (terminal)
	OrderRejected  OrderStatus = "rejected"  // failed validation (terminal)
)

// IsTerminal reports whether the status permits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Cancellable reports whether an order in this status may be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderOpen || s == OrderPartial
}

// Order is a participant's trading order.
// Invariant: FilledQuantity + remaining == Quantity at all times.
type Order struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agentId"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	Quantity       int64            `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`     // limit price
	StopPrice      *decimal.Decimal `json:"stopPrice,omitempty"` // trigger price for STOP
	Status         OrderStatus      `json:"status"`
	FilledQuantity int64            `json:"filledQuantity"`
	AvgFillPrice   *decimal.Decimal `json:"avgFillPrice,omitempty"` // quantity-weighted
	TickSubmitted  int64            `json:"tickSubmitted"`
	TickFilled     *int64           `json:"tickFilled,omitempty"` // set on terminal fill
	CreatedAt      time.Time        `json:"createdAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// ApplyFill records a fill of qty at price, updating the weighted average
// fill price and the status. tick is recorded when the fill completes the order.
func (o *Order) ApplyFill(qty int64, price decimal.Decimal, tick int64) {
	if o.AvgFillPrice == nil {
		p := price
		o.AvgFillPrice = &p
	} else {
		prev := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQuantity))
		total := prev.Add(price.Mul(decimal.NewFromInt(qty)))
		avg := total.Div(decimal.NewFromInt(o.FilledQuantity + qty))
		o.AvgFillPrice = &avg
	}
	o.FilledQuantity += qty
	if o.FilledQuantity == o.Quantity {
		o.Status = OrderFilled
		o.TickFilled = &tick
	} else {
		o.Status = OrderPartial
	}
}

// Trade is an executed match between two orders. Immutable once created.
type Trade struct {
	ID            string          `json:"id"`
	Tick          int64           `json:"tick"`
	Symbol        string          `json:"symbol"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	BuyerOrderID  string          `json:"buyerOrderId"`
	SellerOrderID string          `json:"sellerOrderId"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Holding is a participant's position in one symbol.
// Quantity is signed: negative means short. A record exists iff Quantity != 0.
type Holding struct {
	AgentID     string          `json:"agentId"`
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// AgentStatus is the participant lifecycle state.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentBankrupt   AgentStatus = "bankrupt"
	AgentImprisoned AgentStatus = "imprisoned"
	AgentFled       AgentStatus = "fled"
)

// AgentRole distinguishes regular traders from SEC regulators.
type AgentRole string

const (
	RoleTrader AgentRole = "trader"
	RoleSEC    AgentRole = "sec"
)

// Agent is a registered participant account.
type Agent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Role        AgentRole       `json:"role"`
	Status      AgentStatus     `json:"status"`
	Cash        decimal.Decimal `json:"cash"`
	MarginUsed  decimal.Decimal `json:"marginUsed"`
	MarginLimit decimal.Decimal `json:"marginLimit"`
	Reputation  int             `json:"reputation"` // bounded [MinReputation, MaxReputation]

	WebhookURL    string `json:"webhookUrl,omitempty"`
	WebhookSecret string `json:"-"` // HMAC secret, never serialized
	APISecret     string `json:"-"` // live-session key secret, never serialized

	WebhookFailures      int        `json:"webhookFailures"`
	LastWebhookError     string     `json:"lastWebhookError,omitempty"`
	LastWebhookSuccessAt *time.Time `json:"lastWebhookSuccessAt,omitempty"`
}

// Reputation bounds.
const (
	MinReputation = 0
	MaxReputation = 100
)

// ClampReputation bounds a reputation value to the legal range.
func ClampReputation(r int) int {
	if r < MinReputation {
		return MinReputation
	}
	if r > MaxReputation {
		return MaxReputation
	}
	return r
}

// Regime is the macro market regime driving the price model.
type Regime string

const (
	RegimeBull   Regime = "bull"
	RegimeBear   Regime = "bear"
	RegimeCrash  Regime = "crash"
	RegimeBubble Regime = "bubble"
	RegimeNormal Regime = "normal"
)

// WorldState is the authoritative simulation state advanced once per tick.
type WorldState struct {
	CurrentTick   int64     `json:"currentTick"`
	MarketOpen    bool      `json:"marketOpen"`
	InterestRate  float64   `json:"interestRate"`
	InflationRate float64   `json:"inflationRate"`
	GDPGrowth     float64   `json:"gdpGrowth"`
	Regime        Regime    `json:"regime"`
	LastTickAt    time.Time `json:"lastTickAt"`
}

// Company is a listed symbol with the per-symbol stats the price model consumes.
type Company struct {
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name"`
	Sector     string          `json:"sector"`
	Price      decimal.Decimal `json:"price"`
	PrevClose  decimal.Decimal `json:"prevClose"`
	Volatility float64         `json:"volatility"` // per-tick std dev of log returns
	Beta       float64         `json:"beta"`       // sensitivity to the sector factor
	Momentum   float64         `json:"momentum"`
	Volume     int64           `json:"volume"` // shares traded this tick
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	SharesOut  int64           `json:"sharesOutstanding"`
}

// MarketCap returns price times shares outstanding.
func (c *Company) MarketCap() decimal.Decimal {
	return c.Price.Mul(decimal.NewFromInt(c.SharesOut))
}

// NewsCategory classifies a news entry.
type NewsCategory string

const (
	NewsEarnings   NewsCategory = "earnings"
	NewsMerger     NewsCategory = "merger"
	NewsScandal    NewsCategory = "scandal"
	NewsRegulatory NewsCategory = "regulatory"
	NewsMarket     NewsCategory = "market"
	NewsProduct    NewsCategory = "product"
	NewsAnalysis   NewsCategory = "analysis"
	NewsCrime      NewsCategory = "crime"
	NewsRumor      NewsCategory = "rumor"
	NewsCompany    NewsCategory = "company"
)

// News is a news entry generated by the engine or by participant rumors.
type News struct {
	ID         string       `json:"id"`
	Tick       int64        `json:"tick"`
	Headline   string       `json:"headline"`
	Content    string       `json:"content,omitempty"`
	Category   NewsCategory `json:"category"`
	Sentiment  float64      `json:"sentiment"` // [-1, 1]
	AgentIDs   []string     `json:"agentIds"`
	Symbols    []string     `json:"symbols"`
	CreatedAt  time.Time    `json:"createdAt"`
	IsBreaking bool         `json:"isBreaking,omitempty"`
}

// MarketEvent is a tick-scoped shock feeding the price model.
// Impact decays linearly to zero over Duration ticks.
type MarketEvent struct {
	ID        string  `json:"id"`
	Tick      int64   `json:"tick"` // tick the event started
	Sector    string  `json:"sector,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	Headline  string  `json:"headline"`
	Magnitude float64 `json:"magnitude"` // signed log-return impact at full strength
	Duration  int64   `json:"duration"`  // ticks until fully decayed
}

// ImpactAt returns the event's decayed impact at the given tick.
func (e *MarketEvent) ImpactAt(tick int64) float64 {
	age := tick - e.Tick
	if age < 0 || age >= e.Duration || e.Duration <= 0 {
		return 0
	}
	return e.Magnitude * (1 - float64(age)/float64(e.Duration))
}

// Message is a direct message between participants.
type Message struct {
	ID        string    `json:"id"`
	Tick      int64     `json:"tick"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// InvestigationType classifies why an investigation was opened.
type InvestigationType string

const (
	InvestigationBribery InvestigationType = "bribery"
	InvestigationReport  InvestigationType = "whistleblower_report"
)

// Investigation is an open or resolved compliance case against an agent.
type Investigation struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agentId"`
	Type          InvestigationType `json:"type"`
	Status        string            `json:"status"` // "open" or "resolved"
	Verdict       string            `json:"verdict,omitempty"`
	OpenedTick    int64             `json:"openedTick"`
	SentenceTicks int64             `json:"sentenceTicks,omitempty"`
}

// AllianceStatus is the tri-state alliance lifecycle.
type AllianceStatus string

const (
	AlliancePending   AllianceStatus = "pending"
	AllianceActive    AllianceStatus = "active"
	AllianceDissolved AllianceStatus = "dissolved"
)

// Alliance binds two agents once accepted.
type Alliance struct {
	ID           string         `json:"id"`
	ProposerID   string         `json:"proposerId"`
	TargetID     string         `json:"targetId"`
	Status       AllianceStatus `json:"status"`
	ProposedTick int64          `json:"proposedTick"`
}

// NormalizeSymbol uppercases and trims a user-supplied symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
