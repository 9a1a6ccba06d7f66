package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newAgent(id string, cash string) *types.Agent {
	return &types.Agent{
		ID:     id,
		Name:   id,
		Role:   types.RoleTrader,
		Status: types.AgentActive,
		Cash:   dec(cash),
	}
}

func TestApplyFillOpensAndBlends(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAgent(newAgent("alice", "100000"))

	// Buy 40 @ 150, then 60 @ 160: avg cost 156, cash down 15600.
	if err := s.ApplyFill("alice", "ACME", 40, dec("150")); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyFill("alice", "ACME", 60, dec("160")); err != nil {
		t.Fatal(err)
	}

	h, ok := s.Holding("alice", "ACME")
	if !ok || h.Quantity != 100 {
		t.Fatalf("holding = %+v, want qty 100", h)
	}
	if !h.AverageCost.Equal(dec("156")) {
		t.Errorf("avg cost = %s, want 156", h.AverageCost)
	}
	a, _ := s.Agent("alice")
	if !a.Cash.Equal(dec("84400")) {
		t.Errorf("cash = %s, want 84400", a.Cash)
	}
}

func TestApplyFillReducePreservesBasis(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAgent(newAgent("alice", "100000"))
	s.ApplyFill("alice", "ACME", 100, dec("150"))

	// Sell 40 @ 170: basis stays 150, cash recovers 6800.
	s.ApplyFill("alice", "ACME", -40, dec("170"))
	h, _ := s.Holding("alice", "ACME")
	if h.Quantity != 60 || !h.AverageCost.Equal(dec("150")) {
		t.Errorf("holding = %+v, want 60 @ 150", h)
	}
}

func TestApplyFillZeroDeletesRecord(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAgent(newAgent("alice", "100000"))
	s.ApplyFill("alice", "ACME", 100, dec("150"))
	s.ApplyFill("alice", "ACME", -100, dec("155"))

	if _, ok := s.Holding("alice", "ACME"); ok {
		t.Error("flat position should have no holding record")
	}
	if got := s.Holdings("alice"); len(got) != 0 {
		t.Errorf("holdings = %v, want none", got)
	}
}

func TestApplyFillCrossingZeroResetsBasis(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAgent(newAgent("alice", "100000"))
	s.ApplyFill("alice", "ACME", 100, dec("150"))

	// Sell 150 @ 160: long 100 becomes short 50 with basis at the fill price.
	s.ApplyFill("alice", "ACME", -150, dec("160"))
	h, _ := s.Holding("alice", "ACME")
	if h.Quantity != -50 || !h.AverageCost.Equal(dec("160")) {
		t.Errorf("holding = %+v, want -50 @ 160", h)
	}
}

func TestShortPositionAccounting(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAgent(newAgent("bob", "10000"))

	// Short 50 @ 100: cash rises by 5000.
	s.ApplyFill("bob", "ACME", -50, dec("100"))
	a, _ := s.Agent("bob")
	if !a.Cash.Equal(dec("15000")) {
		t.Errorf("cash = %s, want 15000 after short sale", a.Cash)
	}

	// Short 50 more @ 120: avg basis 110.
	s.ApplyFill("bob", "ACME", -50, dec("120"))
	h, _ := s.Holding("bob", "ACME")
	if h.Quantity != -100 || !h.AverageCost.Equal(dec("110")) {
		t.Errorf("holding = %+v, want -100 @ 110", h)
	}
}

func TestPendingBySymbolPreservesSubmissionOrder(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	for i, id := range []string{"o1", "o2", "o3"} {
		s.SaveOrder(&types.Order{
			ID: id, AgentID: "alice", Symbol: "ACME", Side: types.BUY,
			Type: types.OrderTypeMarket, Quantity: int64(i + 1),
			Status: types.OrderPending,
		})
	}
	// o2 fills; it must drop out of the pending set.
	o2, _ := s.Order("o2")
	o2.Status = types.OrderFilled
	s.SaveOrder(&o2)

	pending := s.PendingBySymbol()["ACME"]
	if len(pending) != 2 || pending[0].ID != "o1" || pending[1].ID != "o3" {
		t.Errorf("pending = %v, want [o1 o3] in order", pending)
	}
}

func TestTradesForTick(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.AppendTrades([]types.Trade{
		{ID: "t1", Tick: 1, BuyerID: "a", SellerID: "b"},
		{ID: "t2", Tick: 2, BuyerID: "a", SellerID: "b"},
		{ID: "t3", Tick: 2, BuyerID: "b", SellerID: "c"},
	})

	got := s.TradesForTick(2)
	if len(got) != 2 || got[0].ID != "t2" || got[1].ID != "t3" {
		t.Errorf("trades = %v, want [t2 t3]", got)
	}
	if s.TradesForTick(3) != nil {
		t.Error("no trades at tick 3")
	}
}

func TestRecentTradesForFiltersParty(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.AppendTrades([]types.Trade{
		{ID: "t1", Tick: 1, BuyerID: "alice", SellerID: "bob"},
		{ID: "t2", Tick: 1, BuyerID: "carol", SellerID: "dave"},
		{ID: "t3", Tick: 2, BuyerID: "bob", SellerID: "alice"},
	})

	got := s.RecentTradesFor("alice", 10)
	if len(got) != 2 || got[0].ID != "t3" || got[1].ID != "t1" {
		t.Errorf("trades = %v, want [t3 t1] newest first", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := NewMemStore()
	agent := newAgent("alice", "50000")
	agent.WebhookSecret = "whsec"
	agent.APISecret = "apisec"
	s.UpsertAgent(agent)
	s.UpsertCompany(&types.Company{Symbol: "ACME", Name: "Acme Corp", Sector: "tech", Price: dec("150")})
	s.SaveOrder(&types.Order{ID: "o1", AgentID: "alice", Symbol: "ACME", Side: types.BUY, Type: types.OrderTypeLimit, Quantity: 10, Status: types.OrderOpen})
	s.ApplyFill("alice", "ACME", 10, dec("150"))
	s.SetWorld(types.WorldState{CurrentTick: 42, Regime: types.RegimeBull, LastTickAt: time.Now().UTC()})
	s.UpsertInvestigation(&types.Investigation{ID: "i1", AgentID: "alice", Type: types.InvestigationBribery, Status: "open", OpenedTick: 40})

	if err := s.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded := NewMemStore()
	if err := loaded.Load(dir); err != nil {
		t.Fatal(err)
	}

	if loaded.World().CurrentTick != 42 {
		t.Errorf("tick = %d, want 42", loaded.World().CurrentTick)
	}
	a, err := loaded.Agent("alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.WebhookSecret != "whsec" || a.APISecret != "apisec" {
		t.Error("secrets must survive the snapshot round trip")
	}
	if h, ok := loaded.Holding("alice", "ACME"); !ok || h.Quantity != 10 {
		t.Errorf("holding = %+v, want qty 10", h)
	}
	if o, err := loaded.Order("o1"); err != nil || o.Status != types.OrderOpen {
		t.Errorf("order = %+v err = %v", o, err)
	}
	if _, ok := loaded.OpenInvestigationFor("alice"); !ok {
		t.Error("open investigation should survive")
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	if err := s.Load(t.TempDir()); err != nil {
		t.Fatalf("missing snapshot should not error: %v", err)
	}
	if len(s.Agents()) != 0 {
		t.Error("store should start empty")
	}
}

func TestAllianceLookups(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.UpsertAlliance(&types.Alliance{ID: "al1", ProposerID: "alice", TargetID: "bob", Status: types.AlliancePending, ProposedTick: 1})

	if _, ok := s.PendingAllianceFor("bob", "alice"); !ok {
		t.Error("pending alliance should be found for its target")
	}
	if _, ok := s.PendingAllianceFor("alice", "bob"); ok {
		t.Error("direction matters for pending lookup")
	}
	if _, ok := s.AllianceBetween("bob", "alice"); !ok {
		t.Error("between lookup is direction-agnostic")
	}

	s.UpsertAlliance(&types.Alliance{ID: "al1", ProposerID: "alice", TargetID: "bob", Status: types.AllianceDissolved})
	if _, ok := s.AllianceBetween("alice", "bob"); ok {
		t.Error("dissolved alliances are invisible")
	}
}
