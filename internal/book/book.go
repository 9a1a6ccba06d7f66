// Package book implements the per-symbol central limit order book.
//
// Each Book holds two half-books of price levels (bids descending, asks
// ascending); every level keeps a FIFO queue of resting orders, giving strict
// price-time priority: best price first, earliest resting order first within
// a level. An order-id index makes cancels O(1). Stop orders are held off the
// ladder and converted to market/limit orders when the last trade price
// crosses their trigger.
//
// Matching is pure in-memory: failures surface as rejected orders, and the
// caller persists the emitted trades, status transitions, and resting-order
// deltas.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/types"
)

// Policy bounds what the book accepts.
type Policy struct {
	AllowSelfTrade bool
	MaxQuantity    int64
	MaxPrice       decimal.Decimal
}

// RestingDelta describes how one resting order was consumed during a single
// incoming order's match cycle.
type RestingDelta struct {
	OrderID         string
	AgentID         string
	FilledThisCycle int64
	FilledQuantity  int64           // cumulative
	AvgFillPrice    decimal.Decimal // cumulative weighted
	Status          types.OrderStatus
}

// SubmitResult is everything one Submit produced: the (possibly mutated)
// incoming order, the trades executed, and the resting orders affected.
type SubmitResult struct {
	Order    *types.Order
	Trades   []types.Trade
	Affected []RestingDelta
	Rejected bool
	Reason   string
}

// level is one price rung holding a FIFO queue of resting orders.
type level struct {
	price decimal.Decimal
	queue []*types.Order
}

// Book is the order book for a single symbol. Not safe for concurrent use;
// the matching engine serializes access from the tick pipeline.
type Book struct {
	symbol     string
	policy     Policy
	bids       []*level // sorted by price descending
	asks       []*level // sorted by price ascending
	resting    map[string]*types.Order
	stops      []*types.Order
	lastPrice  decimal.Decimal
	newTradeID func() string
}

// New creates an empty book. newTradeID mints ids for emitted trades;
// lastPrice seeds the stop-trigger reference before any trade occurs.
func New(symbol string, policy Policy, lastPrice decimal.Decimal, newTradeID func() string) *Book {
	return &Book{
		symbol:     symbol,
		policy:     policy,
		resting:    make(map[string]*types.Order),
		lastPrice:  lastPrice,
		newTradeID: newTradeID,
	}
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() string { return b.symbol }

// LastPrice returns the most recent trade price (or the seed price).
func (b *Book) LastPrice() decimal.Decimal { return b.lastPrice }

// SetLastPrice overrides the stop-trigger reference, used when the price
// model moves the symbol without a trade.
func (b *Book) SetLastPrice(p decimal.Decimal) { b.lastPrice = p }

// BestBid returns the highest bid price, or false if no bids rest.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if len(b.bids) == 0 {
		return decimal.Decimal{}, false
	}
	return b.bids[0].price, true
}

// BestAsk returns the lowest ask price, or false if no asks rest.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.asks[0].price, true
}

// RestingCount returns the number of orders on the ladder.
func (b *Book) RestingCount() int { return len(b.resting) }

// Submit processes a newly pending order against the book.
//
// Limit orders match then rest any remainder (status open/partial). Market
// orders match what they can; an unfilled remainder neither rests nor
// terminates — it stays pending for the next pass. Stop orders are parked on
// the trigger list untouched.
func (b *Book) Submit(o *types.Order, tick int64, now time.Time) SubmitResult {
	if reason, ok := b.validate(o); !ok {
		o.Status = types.OrderRejected
		return SubmitResult{Order: o, Rejected: true, Reason: reason}
	}

	if o.Type == types.OrderTypeStop {
		b.stops = append(b.stops, o)
		return SubmitResult{Order: o}
	}

	res := b.match(o, tick, now)

	if o.Remaining() > 0 && o.Type == types.OrderTypeLimit {
		b.rest(o)
		if o.FilledQuantity == 0 {
			o.Status = types.OrderOpen
		}
	}
	// Market remainder stays pending and does not rest.

	return res
}

func (b *Book) validate(o *types.Order) (string, bool) {
	if o.Quantity <= 0 {
		return "quantity must be positive", false
	}
	if b.policy.MaxQuantity > 0 && o.Quantity > b.policy.MaxQuantity {
		return "quantity exceeds limit", false
	}
	switch o.Type {
	case types.OrderTypeLimit:
		if o.Price == nil || o.Price.Sign() <= 0 {
			return "limit order requires a positive price", false
		}
		if !b.policy.MaxPrice.IsZero() && o.Price.GreaterThan(b.policy.MaxPrice) {
			return "price exceeds limit", false
		}
	case types.OrderTypeStop:
		if o.StopPrice == nil || o.StopPrice.Sign() <= 0 {
			return "stop order requires a positive stop price", false
		}
		if o.Price != nil && o.Price.Sign() <= 0 {
			return "limit price must be positive", false
		}
	case types.OrderTypeMarket:
	default:
		return "unknown order type", false
	}
	return "", true
}

// match runs the price-time priority loop for one incoming order.
// Trade price is always the resting order's price.
func (b *Book) match(o *types.Order, tick int64, now time.Time) SubmitResult {
	res := SubmitResult{Order: o}
	deltas := make(map[string]*RestingDelta)

	opposite := &b.asks
	crosses := func(restPrice decimal.Decimal) bool {
		return o.Type == types.OrderTypeMarket || !restPrice.GreaterThan(*o.Price)
	}
	if o.Side == types.SELL {
		opposite = &b.bids
		crosses = func(restPrice decimal.Decimal) bool {
			return o.Type == types.OrderTypeMarket || !restPrice.LessThan(*o.Price)
		}
	}

	li := 0
	for o.Remaining() > 0 && li < len(*opposite) {
		lvl := (*opposite)[li]
		if !crosses(lvl.price) {
			break
		}

		progressed := false
		qi := 0
		for qi < len(lvl.queue) && o.Remaining() > 0 {
			r := lvl.queue[qi]
			if !b.policy.AllowSelfTrade && r.AgentID == o.AgentID {
				qi++ // skip own resting order, keep scanning the level
				continue
			}

			qty := min64(o.Remaining(), r.Remaining())
			trade := b.makeTrade(o, r, lvl.price, qty, tick, now)
			res.Trades = append(res.Trades, trade)
			b.lastPrice = lvl.price
			progressed = true

			r.ApplyFill(qty, lvl.price, tick)
			o.ApplyFill(qty, lvl.price, tick)

			d, ok := deltas[r.ID]
			if !ok {
				d = &RestingDelta{OrderID: r.ID, AgentID: r.AgentID}
				deltas[r.ID] = d
			}
			d.FilledThisCycle += qty
			d.FilledQuantity = r.FilledQuantity
			d.AvgFillPrice = *r.AvgFillPrice
			d.Status = r.Status

			if r.Remaining() == 0 {
				lvl.queue = append(lvl.queue[:qi], lvl.queue[qi+1:]...)
				delete(b.resting, r.ID)
			} else {
				qi++
			}
		}

		if len(lvl.queue) == 0 {
			*opposite = append((*opposite)[:li], (*opposite)[li+1:]...)
		} else if !progressed {
			li++ // every order at this level was skipped (self-trade policy)
		} else if o.Remaining() > 0 && qi >= len(lvl.queue) {
			li++
		}
	}

	// Emit Affected in first-touched order.
	seen := make(map[string]bool)
	for _, tr := range res.Trades {
		restID := tr.SellerOrderID
		if o.Side == types.SELL {
			restID = tr.BuyerOrderID
		}
		if seen[restID] {
			continue
		}
		seen[restID] = true
		res.Affected = append(res.Affected, *deltas[restID])
	}

	return res
}

func (b *Book) makeTrade(incoming, resting *types.Order, price decimal.Decimal, qty, tick int64, now time.Time) types.Trade {
	t := types.Trade{
		ID:        b.newTradeID(),
		Tick:      tick,
		Symbol:    b.symbol,
		Price:     price,
		Quantity:  qty,
		CreatedAt: now,
	}
	if incoming.Side == types.BUY {
		t.BuyerID, t.BuyerOrderID = incoming.AgentID, incoming.ID
		t.SellerID, t.SellerOrderID = resting.AgentID, resting.ID
	} else {
		t.SellerID, t.SellerOrderID = incoming.AgentID, incoming.ID
		t.BuyerID, t.BuyerOrderID = resting.AgentID, resting.ID
	}
	return t
}

// rest places a limit order's remainder on the ladder.
func (b *Book) rest(o *types.Order) {
	side := &b.bids
	cmp := func(a, p decimal.Decimal) bool { return a.GreaterThan(p) } // bids: descending
	if o.Side == types.SELL {
		side = &b.asks
		cmp = func(a, p decimal.Decimal) bool { return a.LessThan(p) } // asks: ascending
	}

	price := *o.Price
	idx := sort.Search(len(*side), func(i int) bool {
		return !cmp((*side)[i].price, price) // first level not strictly better than price
	})

	if idx < len(*side) && (*side)[idx].price.Equal(price) {
		(*side)[idx].queue = append((*side)[idx].queue, o)
	} else {
		lvl := &level{price: price, queue: []*types.Order{o}}
		*side = append(*side, nil)
		copy((*side)[idx+1:], (*side)[idx:])
		(*side)[idx] = lvl
	}
	b.resting[o.ID] = o
}

// Cancel removes an order from the ladder or the stop list.
// Returns the order and true if it was found.
func (b *Book) Cancel(orderID string) (*types.Order, bool) {
	if o, ok := b.resting[orderID]; ok {
		b.removeResting(o)
		return o, true
	}
	for i, s := range b.stops {
		if s.ID == orderID {
			b.stops = append(b.stops[:i], b.stops[i+1:]...)
			return s, true
		}
	}
	return nil, false
}

func (b *Book) removeResting(o *types.Order) {
	delete(b.resting, o.ID)

	side := &b.bids
	if o.Side == types.SELL {
		side = &b.asks
	}
	for li, lvl := range *side {
		if !lvl.price.Equal(*o.Price) {
			continue
		}
		for qi, q := range lvl.queue {
			if q.ID == o.ID {
				lvl.queue = append(lvl.queue[:qi], lvl.queue[qi+1:]...)
				break
			}
		}
		if len(lvl.queue) == 0 {
			*side = append((*side)[:li], (*side)[li+1:]...)
		}
		return
	}
}

// TriggerStops returns the stop orders whose trigger condition is met by the
// current last price, converting each to a market or limit order. BUY stops
// trigger at last >= stop, SELL stops at last <= stop. Triggered orders are
// removed from the stop list; the caller submits them ahead of new pendings.
func (b *Book) TriggerStops() []*types.Order {
	if len(b.stops) == 0 || b.lastPrice.IsZero() {
		return nil
	}

	var triggered []*types.Order
	remaining := b.stops[:0]
	for _, s := range b.stops {
		fire := (s.Side == types.BUY && !b.lastPrice.LessThan(*s.StopPrice)) ||
			(s.Side == types.SELL && !b.lastPrice.GreaterThan(*s.StopPrice))
		if fire {
			if s.Price != nil {
				s.Type = types.OrderTypeLimit
			} else {
				s.Type = types.OrderTypeMarket
			}
			triggered = append(triggered, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	b.stops = remaining
	return triggered
}

// Restore places an already-open order back on the ladder without matching,
// used to rebuild books from the store on engine start.
func (b *Book) Restore(o *types.Order) {
	if o.Type == types.OrderTypeStop {
		b.stops = append(b.stops, o)
		return
	}
	if o.Price != nil && o.Remaining() > 0 {
		b.rest(o)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
