// Package matching owns the per-symbol order books and runs the per-tick
// matching pass. Books live in memory for the life of the engine and are
// rebuilt from open orders on start.
package matching

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/pkg/types"
)

// Engine multiplexes submits and cancels across symbol books.
//
// The tick pipeline is the only writer, but reads (best bid/ask for market
// snapshots) can come from the live server, so access is guarded.
type Engine struct {
	mu     sync.Mutex
	policy book.Policy
	books  map[string]*book.Book
	// Market orders that could not fully fill stay pending and are retried
	// ahead of newly submitted orders on the next pass.
	carried map[string][]*types.Order
	logger  *slog.Logger
}

// New creates an engine with no books; books appear on first touch of a symbol.
func New(policy book.Policy, logger *slog.Logger) *Engine {
	return &Engine{
		policy:  policy,
		books:   make(map[string]*book.Book),
		carried: make(map[string][]*types.Order),
		logger:  logger.With("component", "matching"),
	}
}

func (e *Engine) bookFor(symbol string, seed decimal.Decimal) *book.Book {
	b, ok := e.books[symbol]
	if !ok {
		b = book.New(symbol, e.policy, seed, uuid.NewString)
		e.books[symbol] = b
	}
	return b
}

// EnsureBook creates the symbol's book if missing, seeding the stop-trigger
// reference from the company's listed price.
func (e *Engine) EnsureBook(symbol string, lastPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bookFor(symbol, lastPrice)
}

// MatchSymbol runs one matching pass for a symbol: stops triggered by the
// prior pass's last price go first, then market orders carried over from the
// previous tick, then this tick's pending orders in submission order.
func (e *Engine) MatchSymbol(symbol string, pending []*types.Order, tick int64, now time.Time) []book.SubmitResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bookFor(symbol, decimal.Decimal{})

	queue := b.TriggerStops()
	queue = append(queue, e.carried[symbol]...)
	delete(e.carried, symbol)
	queue = append(queue, pending...)

	var results []book.SubmitResult
	for _, o := range queue {
		res := b.Submit(o, tick, now)
		results = append(results, res)

		if o.Type == types.OrderTypeMarket && !res.Rejected && o.Remaining() > 0 {
			e.carried[symbol] = append(e.carried[symbol], o)
			e.logger.Debug("market order carried to next tick",
				"order", o.ID, "symbol", symbol, "remaining", o.Remaining())
		}
	}
	return results
}

// Cancel removes an order from its symbol's book or carry-over queue.
// Returns the order and true when found.
func (e *Engine) Cancel(symbol, orderID string) (*types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[symbol]
	if !ok {
		return nil, false
	}
	if o, ok := b.Cancel(orderID); ok {
		return o, true
	}
	for i, o := range e.carried[symbol] {
		if o.ID == orderID {
			e.carried[symbol] = append(e.carried[symbol][:i], e.carried[symbol][i+1:]...)
			return o, true
		}
	}
	return nil, false
}

// LastPrice returns the symbol's last trade price (or seed) and whether the
// book exists.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return decimal.Decimal{}, false
	}
	return b.LastPrice(), true
}

// SetLastPrice pushes a model-driven price move into the book so stop
// triggers track the market even without trades.
func (e *Engine) SetLastPrice(symbol string, p decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bookFor(symbol, p).SetLastPrice(p)
}

// Quote returns best bid/ask for a symbol; the bools report presence.
func (e *Engine) Quote(symbol string) (bid decimal.Decimal, bidOK bool, ask decimal.Decimal, askOK bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return
	}
	bid, bidOK = b.BestBid()
	ask, askOK = b.BestAsk()
	return
}

// Symbols returns the booked symbols in stable sorted order, so the per-tick
// matching pass is deterministic.
func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Restore rebuilds the books from persisted live orders on engine start.
// Open and partial orders rest without matching; pending market orders go
// back on the carry-over queue; stops return to their trigger lists.
func (e *Engine) Restore(orders []*types.Order, lastPrices map[string]decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for sym, p := range lastPrices {
		e.bookFor(sym, p)
	}
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		b := e.bookFor(o.Symbol, decimal.Decimal{})
		switch {
		case o.Type == types.OrderTypeMarket:
			e.carried[o.Symbol] = append(e.carried[o.Symbol], o)
		default:
			b.Restore(o)
		}
	}
	e.logger.Info("books restored", "symbols", len(e.books), "orders", len(orders))
}
