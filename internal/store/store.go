// Package store holds the authoritative simulation state.
//
// MemStore is the single source of truth mutated only on the tick pipeline;
// concurrent readers (live server, metrics) take the read lock. Snapshots are
// persisted as a single JSON document written atomically (see snapshot.go).
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/types"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("not found")

// ActionLogEntry records one attempted participant action, success or not,
// with the submitted payload for auditability.
type ActionLogEntry struct {
	Tick      int64            `json:"tick"`
	AgentID   string           `json:"agentId"`
	Type      types.ActionType `json:"type"`
	Payload   types.Action     `json:"payload"`
	Success   bool             `json:"success"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// MemStore is the in-memory world state.
type MemStore struct {
	mu sync.RWMutex

	world     types.WorldState
	agents    map[string]*types.Agent
	companies map[string]*types.Company

	orders    map[string]*types.Order
	orderSeq  []string // insertion order, so pending passes are deterministic
	trades    []types.Trade
	holdings  map[string]map[string]*types.Holding // agent id -> symbol

	news           []types.News
	messages       []types.Message
	events         []types.MarketEvent
	investigations map[string]*types.Investigation
	alliances      map[string]*types.Alliance
	actionLog      []ActionLogEntry
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:         make(map[string]*types.Agent),
		companies:      make(map[string]*types.Company),
		orders:         make(map[string]*types.Order),
		holdings:       make(map[string]map[string]*types.Holding),
		investigations: make(map[string]*types.Investigation),
		alliances:      make(map[string]*types.Alliance),
	}
}

// World returns a copy of the world state.
func (s *MemStore) World() types.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.world
}

// SetWorld replaces the world state.
func (s *MemStore) SetWorld(w types.WorldState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world = w
}

// UpsertAgent inserts or replaces an agent record.
func (s *MemStore) UpsertAgent(a *types.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}

// Agent returns a copy of the agent, or ErrNotFound.
func (s *MemStore) Agent(id string) (types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return types.Agent{}, ErrNotFound
	}
	return *a, nil
}

// Agents returns copies of all agents sorted by id.
func (s *MemStore) Agents() []types.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MutateAgent applies fn to the stored agent under the write lock.
func (s *MemStore) MutateAgent(id string, fn func(*types.Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	return nil
}

// UpsertCompany inserts or replaces a listed company.
func (s *MemStore) UpsertCompany(c *types.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.companies[c.Symbol] = &cp
}

// Company returns a copy of the company, or ErrNotFound.
func (s *MemStore) Company(symbol string) (types.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[symbol]
	if !ok {
		return types.Company{}, ErrNotFound
	}
	return *c, nil
}

// Companies returns copies of all companies sorted by symbol.
func (s *MemStore) Companies() []types.Company {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Company, 0, len(s.companies))
	for _, c := range s.companies {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MutateCompanies applies fn to every stored company under the write lock.
// The price model uses this to advance all prices in one critical section.
func (s *MemStore) MutateCompanies(fn func([]*types.Company)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*types.Company, 0, len(s.companies))
	for _, c := range s.companies {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })
	fn(list)
}

// SaveOrder inserts or replaces an order.
func (s *MemStore) SaveOrder(o *types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
}

// Order returns a copy of the order, or ErrNotFound.
func (s *MemStore) Order(id string) (types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return types.Order{}, ErrNotFound
	}
	return *o, nil
}

// PendingBySymbol returns copies of all pending non-stop-parked orders
// grouped by symbol, in submission order within each symbol.
func (s *MemStore) PendingBySymbol() map[string][]*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*types.Order)
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Status != types.OrderPending {
			continue
		}
		cp := *o
		out[o.Symbol] = append(out[o.Symbol], &cp)
	}
	return out
}

// LiveOrders returns copies of every non-terminal order in submission order.
func (s *MemStore) LiveOrders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Status.IsTerminal() {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// OrdersByAgent returns copies of the agent's non-terminal orders.
func (s *MemStore) OrdersByAgent(agentID string) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.AgentID == agentID && !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// AppendTrades records executed trades.
func (s *MemStore) AppendTrades(trades []types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
}

// TradesForTick returns copies of the trades executed at the given tick.
func (s *MemStore) TradesForTick(tick int64) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Tick < tick {
			break
		}
		if s.trades[i].Tick == tick {
			out = append(out, s.trades[i])
		}
	}
	// restore chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// RecentTradesFor returns up to n most recent trades involving the agent,
// newest first.
func (s *MemStore) RecentTradesFor(agentID string, n int) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < n; i-- {
		t := s.trades[i]
		if t.BuyerID == agentID || t.SellerID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Holding returns a copy of the agent's holding in symbol; the bool reports
// whether a non-zero position exists.
func (s *MemStore) Holding(agentID, symbol string) (types.Holding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holdings[agentID][symbol]
	if !ok {
		return types.Holding{}, false
	}
	return *h, true
}

// Holdings returns copies of the agent's positions sorted by symbol.
func (s *MemStore) Holdings(agentID string) []types.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Holding
	for _, h := range s.holdings[agentID] {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyFill adjusts an agent's holding and cash for a fill of qty shares
// (positive = bought, negative = sold) at price.
//
// Average cost rules: adding to a position (same sign) blends the weighted
// average; reducing keeps the average unchanged; crossing through zero
// resets the average to the fill price for the surviving remainder. A
// position that lands exactly at zero is deleted.
func (s *MemStore) ApplyFill(agentID, symbol string, qty int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}

	// Cash moves opposite the share delta.
	a.Cash = a.Cash.Sub(price.Mul(decimal.NewFromInt(qty)))

	byAgent := s.holdings[agentID]
	if byAgent == nil {
		byAgent = make(map[string]*types.Holding)
		s.holdings[agentID] = byAgent
	}
	h, ok := byAgent[symbol]
	if !ok {
		h = &types.Holding{AgentID: agentID, Symbol: symbol}
		byAgent[symbol] = h
	}

	oldQty := h.Quantity
	newQty := oldQty + qty

	switch {
	case newQty == 0:
		delete(byAgent, symbol)
		return nil
	case oldQty == 0 || (oldQty > 0) != (newQty > 0):
		// Opening, or crossing through zero: basis restarts at this fill.
		h.AverageCost = price
	case (oldQty > 0) == (qty > 0):
		// Adding to the position: weighted average by absolute size.
		oldAbs := decimal.NewFromInt(abs64(oldQty))
		addAbs := decimal.NewFromInt(abs64(qty))
		total := h.AverageCost.Mul(oldAbs).Add(price.Mul(addAbs))
		h.AverageCost = total.Div(oldAbs.Add(addAbs))
	}
	// Reducing without crossing keeps AverageCost as is.

	h.Quantity = newQty
	return nil
}

// AppendNews records a news entry.
func (s *MemStore) AppendNews(n types.News) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = append(s.news, n)
}

// NewsForTick returns copies of the news created at the given tick.
func (s *MemStore) NewsForTick(tick int64) []types.News {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.News
	for _, n := range s.news {
		if n.Tick == tick {
			out = append(out, n)
		}
	}
	return out
}

// AppendMessage records a direct message.
func (s *MemStore) AppendMessage(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// MessagesFor returns messages addressed to the agent at the given tick.
func (s *MemStore) MessagesFor(agentID string, tick int64) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Message
	for _, m := range s.messages {
		if m.ToID == agentID && m.Tick == tick {
			out = append(out, m)
		}
	}
	return out
}

// AppendEvent records a market event.
func (s *MemStore) AppendEvent(e types.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// ActiveEvents returns copies of events still impacting prices at tick.
func (s *MemStore) ActiveEvents(tick int64) []types.MarketEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.MarketEvent
	for _, e := range s.events {
		if e.ImpactAt(tick) != 0 {
			out = append(out, e)
		}
	}
	return out
}

// UpsertInvestigation inserts or replaces an investigation.
func (s *MemStore) UpsertInvestigation(inv *types.Investigation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.investigations[inv.ID] = &cp
}

// InvestigationsFor returns copies of the agent's investigations, open first,
// then by opened tick.
func (s *MemStore) InvestigationsFor(agentID string) []types.Investigation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Investigation
	for _, inv := range s.investigations {
		if inv.AgentID == agentID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == "open"
		}
		return out[i].OpenedTick < out[j].OpenedTick
	})
	return out
}

// OpenInvestigationFor returns one open investigation against the agent.
func (s *MemStore) OpenInvestigationFor(agentID string) (types.Investigation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.investigations {
		if inv.AgentID == agentID && inv.Status == "open" {
			return *inv, true
		}
	}
	return types.Investigation{}, false
}

// UpsertAlliance inserts or replaces an alliance.
func (s *MemStore) UpsertAlliance(al *types.Alliance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *al
	s.alliances[al.ID] = &cp
}

// PendingAllianceFor returns the pending alliance proposed to target by
// proposer, if any.
func (s *MemStore) PendingAllianceFor(targetID, proposerID string) (types.Alliance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, al := range s.alliances {
		if al.TargetID == targetID && al.ProposerID == proposerID && al.Status == types.AlliancePending {
			return *al, true
		}
	}
	return types.Alliance{}, false
}

// AllianceBetween returns a pending or active alliance joining the two
// agents in either direction.
func (s *MemStore) AllianceBetween(a, b string) (types.Alliance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, al := range s.alliances {
		if al.Status == types.AllianceDissolved {
			continue
		}
		if (al.ProposerID == a && al.TargetID == b) || (al.ProposerID == b && al.TargetID == a) {
			return *al, true
		}
	}
	return types.Alliance{}, false
}

// AppendActionLog records one action attempt.
func (s *MemStore) AppendActionLog(e ActionLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionLog = append(s.actionLog, e)
}

// ActionLogForTick returns copies of the log entries for a tick.
func (s *MemStore) ActionLogForTick(tick int64) []ActionLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ActionLogEntry
	for _, e := range s.actionLog {
		if e.Tick == tick {
			out = append(out, e)
		}
	}
	return out
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
