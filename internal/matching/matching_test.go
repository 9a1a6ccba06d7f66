package matching

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/internal/book"
	"marketsim/pkg/types"
)

func testEngine() *Engine {
	return New(book.Policy{
		MaxQuantity: 1_000_000,
		MaxPrice:    decimal.NewFromInt(1_000_000),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func limitOrder(id, agent, sym string, side types.Side, qty int64, price string) *types.Order {
	p := decimal.RequireFromString(price)
	return &types.Order{
		ID: id, AgentID: agent, Symbol: sym, Side: side,
		Type: types.OrderTypeLimit, Quantity: qty, Price: &p,
		Status: types.OrderPending,
	}
}

func marketOrder(id, agent, sym string, side types.Side, qty int64) *types.Order {
	return &types.Order{
		ID: id, AgentID: agent, Symbol: sym, Side: side,
		Type: types.OrderTypeMarket, Quantity: qty,
		Status: types.OrderPending,
	}
}

func TestMatchAcrossSymbolsIsolated(t *testing.T) {
	t.Parallel()
	e := testEngine()

	e.MatchSymbol("ACME", []*types.Order{limitOrder("a1", "alice", "ACME", types.SELL, 10, "100")}, 1, time.Now())
	res := e.MatchSymbol("GLOB", []*types.Order{marketOrder("g1", "bob", "GLOB", types.BUY, 10)}, 1, time.Now())

	if len(res) != 1 || len(res[0].Trades) != 0 {
		t.Error("an order must never match against another symbol's book")
	}
}

func TestCarriedMarketOrderRetriedNextTick(t *testing.T) {
	t.Parallel()
	e := testEngine()

	// Tick 1: market buy with an empty book stays pending.
	res := e.MatchSymbol("ACME", []*types.Order{marketOrder("m1", "bob", "ACME", types.BUY, 10)}, 1, time.Now())
	if res[0].Order.Status != types.OrderPending {
		t.Fatalf("status = %s, want pending", res[0].Order.Status)
	}

	// Tick 2: liquidity arrives in the same pass, carried order goes first.
	res = e.MatchSymbol("ACME", []*types.Order{limitOrder("s1", "alice", "ACME", types.SELL, 10, "100")}, 2, time.Now())
	var filled bool
	for _, r := range res {
		if r.Order.ID == "m1" && r.Order.Status == types.OrderFilled {
			filled = true
		}
	}
	if !filled {
		t.Fatal("carried market order should fill once liquidity arrives")
	}

	// Tick 3: nothing left to carry.
	res = e.MatchSymbol("ACME", nil, 3, time.Now())
	if len(res) != 0 {
		t.Errorf("results = %d, want 0 after the carry drains", len(res))
	}
}

func TestCancelReachesCarriedOrders(t *testing.T) {
	t.Parallel()
	e := testEngine()

	e.MatchSymbol("ACME", []*types.Order{marketOrder("m1", "bob", "ACME", types.BUY, 10)}, 1, time.Now())
	o, ok := e.Cancel("ACME", "m1")
	if !ok || o.ID != "m1" {
		t.Fatal("cancel should find the carried market order")
	}
	if res := e.MatchSymbol("ACME", nil, 2, time.Now()); len(res) != 0 {
		t.Error("cancelled carried order must not be retried")
	}
}

func TestStopsSeeModelPriceMoves(t *testing.T) {
	t.Parallel()
	e := testEngine()
	e.EnsureBook("ACME", decimal.NewFromInt(100))

	sp := decimal.NewFromInt(95)
	stop := &types.Order{
		ID: "st1", AgentID: "alice", Symbol: "ACME", Side: types.SELL,
		Type: types.OrderTypeStop, Quantity: 10, StopPrice: &sp,
		Status: types.OrderPending,
	}
	e.MatchSymbol("ACME", []*types.Order{stop}, 1, time.Now())

	// Price model marks the symbol down without a trade.
	e.SetLastPrice("ACME", decimal.NewFromInt(94))

	res := e.MatchSymbol("ACME", nil, 2, time.Now())
	if len(res) != 1 || res[0].Order.ID != "st1" || res[0].Order.Type != types.OrderTypeMarket {
		t.Fatalf("results = %+v, want triggered st1 as MARKET", res)
	}
}

func TestSymbolsStableOrder(t *testing.T) {
	t.Parallel()
	e := testEngine()
	for _, s := range []string{"ZETA", "ACME", "MOON"} {
		e.EnsureBook(s, decimal.NewFromInt(10))
	}
	got := e.Symbols()
	want := []string{"ACME", "MOON", "ZETA"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("symbols = %v, want %v", got, want)
		}
	}
}

func TestRestoreRebuildsOpenOrders(t *testing.T) {
	t.Parallel()
	e := testEngine()

	open := limitOrder("o1", "alice", "ACME", types.SELL, 10, "101")
	open.Status = types.OrderOpen
	done := limitOrder("o2", "alice", "ACME", types.SELL, 10, "101")
	done.Status = types.OrderFilled
	carried := marketOrder("m1", "bob", "ACME", types.BUY, 5)

	e.Restore([]*types.Order{open, done, carried}, map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)})

	if _, bidOK, ask, askOK := e.Quote("ACME"); bidOK || !askOK || !ask.Equal(decimal.NewFromInt(101)) {
		t.Fatal("restore should rest only the live limit order")
	}

	// The carried market order fills against the restored ask on the next pass.
	res := e.MatchSymbol("ACME", nil, 5, time.Now())
	if len(res) != 1 || res[0].Order.ID != "m1" || len(res[0].Trades) != 1 {
		t.Fatalf("restored carry should match, got %+v", res)
	}
}
