package book

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/types"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("trade-%d", n)
	}
}

func testBook(allowSelfTrade bool) *Book {
	return New("ACME", Policy{
		AllowSelfTrade: allowSelfTrade,
		MaxQuantity:    1_000_000,
		MaxPrice:       decimal.NewFromInt(1_000_000),
	}, decimal.NewFromInt(100), seqIDs())
}

func limit(id, agent string, side types.Side, qty int64, price string) *types.Order {
	p := decimal.RequireFromString(price)
	return &types.Order{
		ID:       id,
		AgentID:  agent,
		Symbol:   "ACME",
		Side:     side,
		Type:     types.OrderTypeLimit,
		Quantity: qty,
		Price:    &p,
		Status:   types.OrderPending,
	}
}

func market(id, agent string, side types.Side, qty int64) *types.Order {
	return &types.Order{
		ID:       id,
		AgentID:  agent,
		Symbol:   "ACME",
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
		Status:   types.OrderPending,
	}
}

func stop(id, agent string, side types.Side, qty int64, stopPrice string, limitPrice *string) *types.Order {
	sp := decimal.RequireFromString(stopPrice)
	o := &types.Order{
		ID:        id,
		AgentID:   agent,
		Symbol:    "ACME",
		Side:      side,
		Type:      types.OrderTypeStop,
		Quantity:  qty,
		StopPrice: &sp,
		Status:    types.OrderPending,
	}
	if limitPrice != nil {
		lp := decimal.RequireFromString(*limitPrice)
		o.Price = &lp
	}
	return o
}

func TestLimitOrderRestsWhenNoMatch(t *testing.T) {
	t.Parallel()
	b := testBook(false)

	res := b.Submit(limit("o1", "alice", types.BUY, 100, "99.50"), 1, time.Now())
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if res.Order.Status != types.OrderOpen {
		t.Errorf("status = %s, want open", res.Order.Status)
	}
	if bid, ok := b.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("99.50")) {
		t.Errorf("best bid = %v ok=%v, want 99.50", bid, ok)
	}
}

func TestMatchAtRestingPrice(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("sell1", "alice", types.SELL, 100, "100.00"), 1, time.Now())

	res := b.Submit(limit("buy1", "bob", types.BUY, 100, "101.00"), 1, time.Now())
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("trade price = %s, want resting price 100.00", tr.Price)
	}
	if tr.BuyerID != "bob" || tr.SellerID != "alice" {
		t.Errorf("parties = %s/%s, want bob/alice", tr.BuyerID, tr.SellerID)
	}
	if res.Order.Status != types.OrderFilled {
		t.Errorf("incoming status = %s, want filled", res.Order.Status)
	}
	if b.RestingCount() != 0 {
		t.Errorf("resting count = %d, want 0", b.RestingCount())
	}
	if !b.LastPrice().Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("last price = %s, want 100.00", b.LastPrice())
	}
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 50, "100.00"), 1, time.Now())
	b.Submit(limit("s2", "carol", types.SELL, 50, "100.00"), 1, time.Now()) // same price, later
	b.Submit(limit("s3", "dave", types.SELL, 50, "99.00"), 1, time.Now())   // better price

	res := b.Submit(market("m1", "bob", types.BUY, 120), 1, time.Now())
	if len(res.Trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(res.Trades))
	}
	// Best price first, then FIFO within the 100.00 level.
	if res.Trades[0].SellerID != "dave" {
		t.Errorf("first fill seller = %s, want dave (best price)", res.Trades[0].SellerID)
	}
	if res.Trades[1].SellerID != "alice" {
		t.Errorf("second fill seller = %s, want alice (earliest at level)", res.Trades[1].SellerID)
	}
	if res.Trades[2].SellerID != "carol" || res.Trades[2].Quantity != 20 {
		t.Errorf("third fill = %s qty %d, want carol qty 20", res.Trades[2].SellerID, res.Trades[2].Quantity)
	}
}

func TestPartialFillRestsRemainder(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 40, "100.00"), 1, time.Now())

	res := b.Submit(limit("b1", "bob", types.BUY, 100, "100.00"), 1, time.Now())
	if res.Order.Status != types.OrderPartial {
		t.Fatalf("status = %s, want partial", res.Order.Status)
	}
	if res.Order.FilledQuantity != 40 || res.Order.Remaining() != 60 {
		t.Errorf("filled = %d remaining = %d, want 40/60", res.Order.FilledQuantity, res.Order.Remaining())
	}
	if bid, ok := b.BestBid(); !ok || !bid.Equal(decimal.RequireFromString("100.00")) {
		t.Error("remainder should rest as the best bid")
	}
}

func TestMarketRemainderStaysPendingAndDoesNotRest(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 30, "100.00"), 1, time.Now())

	res := b.Submit(market("m1", "bob", types.BUY, 100), 1, time.Now())
	if res.Order.Status != types.OrderPartial {
		t.Fatalf("status = %s, want partial", res.Order.Status)
	}
	if res.Order.FilledQuantity != 30 {
		t.Errorf("filled = %d, want 30", res.Order.FilledQuantity)
	}
	if b.RestingCount() != 0 {
		t.Error("market remainder must not rest on the ladder")
	}
}

func TestAffectedDeltasAccumulate(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 100, "100.00"), 1, time.Now())

	res := b.Submit(market("m1", "bob", types.BUY, 60), 1, time.Now())
	if len(res.Affected) != 1 {
		t.Fatalf("affected = %d, want 1", len(res.Affected))
	}
	d := res.Affected[0]
	if d.OrderID != "s1" || d.FilledThisCycle != 60 || d.FilledQuantity != 60 {
		t.Errorf("delta = %+v, want s1 filled 60/60", d)
	}
	if d.Status != types.OrderPartial {
		t.Errorf("delta status = %s, want partial", d.Status)
	}
	if !d.AvgFillPrice.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("avg fill = %s, want 100.00", d.AvgFillPrice)
	}
}

func TestSelfTradeSkipped(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 50, "100.00"), 1, time.Now())
	b.Submit(limit("s2", "bob", types.SELL, 50, "100.00"), 1, time.Now())

	res := b.Submit(market("m1", "alice", types.BUY, 50), 1, time.Now())
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if res.Trades[0].SellerID != "bob" {
		t.Errorf("seller = %s, want bob (alice's own order skipped)", res.Trades[0].SellerID)
	}
	// Alice's order still rests untouched.
	if o, ok := b.resting["s1"]; !ok || o.FilledQuantity != 0 {
		t.Error("skipped self order should remain resting and unfilled")
	}
}

func TestSelfTradeAllowedWhenConfigured(t *testing.T) {
	t.Parallel()
	b := testBook(true)
	b.Submit(limit("s1", "alice", types.SELL, 50, "100.00"), 1, time.Now())

	res := b.Submit(market("m1", "alice", types.BUY, 50), 1, time.Now())
	if len(res.Trades) != 1 || res.Trades[0].BuyerID != "alice" || res.Trades[0].SellerID != "alice" {
		t.Errorf("self-trade should execute when allowed, got %+v", res.Trades)
	}
}

func TestRejectsInvalidOrders(t *testing.T) {
	t.Parallel()
	b := testBook(false)

	cases := []struct {
		name  string
		order *types.Order
	}{
		{"zero quantity", market("z1", "alice", types.BUY, 0)},
		{"negative quantity", market("z2", "alice", types.BUY, -5)},
		{"oversized quantity", market("z3", "alice", types.BUY, 2_000_000)},
		{"limit without price", &types.Order{ID: "z4", AgentID: "alice", Side: types.BUY, Type: types.OrderTypeLimit, Quantity: 10}},
		{"stop without stop price", &types.Order{ID: "z5", AgentID: "alice", Side: types.SELL, Type: types.OrderTypeStop, Quantity: 10}},
	}
	for _, tc := range cases {
		res := b.Submit(tc.order, 1, time.Now())
		if !res.Rejected || res.Order.Status != types.OrderRejected {
			t.Errorf("%s: rejected=%v status=%s, want rejection", tc.name, res.Rejected, res.Order.Status)
		}
	}
	if b.RestingCount() != 0 {
		t.Error("rejected orders must not rest")
	}
}

func TestCancelRemovesFromLadder(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("o1", "alice", types.BUY, 100, "99.00"), 1, time.Now())

	o, ok := b.Cancel("o1")
	if !ok || o.ID != "o1" {
		t.Fatal("cancel should find the resting order")
	}
	if b.RestingCount() != 0 {
		t.Error("cancelled order should leave the ladder")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level should be pruned")
	}
	if _, ok := b.Cancel("o1"); ok {
		t.Error("second cancel should miss")
	}
}

func TestStopOrderParksAndTriggers(t *testing.T) {
	t.Parallel()
	b := testBook(false)

	res := b.Submit(stop("st1", "alice", types.SELL, 100, "95.00", nil), 1, time.Now())
	if res.Order.Status != types.OrderPending || len(res.Trades) != 0 {
		t.Fatal("stop order should park untouched")
	}

	// Last price 100 does not reach a 95 sell stop.
	if trig := b.TriggerStops(); len(trig) != 0 {
		t.Fatalf("triggered = %d, want 0", len(trig))
	}

	b.SetLastPrice(decimal.RequireFromString("94.00"))
	trig := b.TriggerStops()
	if len(trig) != 1 || trig[0].ID != "st1" {
		t.Fatalf("triggered = %v, want [st1]", trig)
	}
	if trig[0].Type != types.OrderTypeMarket {
		t.Errorf("type = %s, want MARKET (no limit price)", trig[0].Type)
	}
	if again := b.TriggerStops(); len(again) != 0 {
		t.Error("a triggered stop must leave the stop list")
	}
}

func TestBuyStopTriggersUpward(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	lp := "106.00"
	b.Submit(stop("st1", "alice", types.BUY, 10, "105.00", &lp), 1, time.Now())

	b.SetLastPrice(decimal.RequireFromString("105.00"))
	trig := b.TriggerStops()
	if len(trig) != 1 {
		t.Fatal("buy stop should trigger at last >= stop")
	}
	if trig[0].Type != types.OrderTypeLimit || !trig[0].Price.Equal(decimal.RequireFromString("106.00")) {
		t.Errorf("triggered stop-limit = %s @ %v, want LIMIT @ 106.00", trig[0].Type, trig[0].Price)
	}
}

func TestCancelStopOrder(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(stop("st1", "alice", types.SELL, 10, "90.00", nil), 1, time.Now())

	if _, ok := b.Cancel("st1"); !ok {
		t.Fatal("cancel should find the parked stop")
	}
	b.SetLastPrice(decimal.RequireFromString("80.00"))
	if trig := b.TriggerStops(); len(trig) != 0 {
		t.Error("cancelled stop must not trigger")
	}
}

func TestRestoreRebuildsLadder(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	o := limit("o1", "alice", types.SELL, 100, "101.00")
	o.Status = types.OrderOpen
	b.Restore(o)

	if ask, ok := b.BestAsk(); !ok || !ask.Equal(decimal.RequireFromString("101.00")) {
		t.Fatal("restored order should rest without matching")
	}
	res := b.Submit(market("m1", "bob", types.BUY, 100), 2, time.Now())
	if len(res.Trades) != 1 {
		t.Error("restored order should be matchable")
	}
}

func TestWeightedAvgAcrossLevels(t *testing.T) {
	t.Parallel()
	b := testBook(false)
	b.Submit(limit("s1", "alice", types.SELL, 50, "100.00"), 1, time.Now())
	b.Submit(limit("s2", "carol", types.SELL, 50, "102.00"), 1, time.Now())

	res := b.Submit(market("m1", "bob", types.BUY, 100), 1, time.Now())
	if res.Order.Status != types.OrderFilled {
		t.Fatalf("status = %s, want filled", res.Order.Status)
	}
	want := decimal.RequireFromString("101") // (50*100 + 50*102) / 100
	if !res.Order.AvgFillPrice.Equal(want) {
		t.Errorf("avg fill = %s, want %s", res.Order.AvgFillPrice, want)
	}
	if res.Order.TickFilled == nil || *res.Order.TickFilled != 1 {
		t.Error("terminal fill should stamp the tick")
	}
}
