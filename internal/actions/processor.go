// Package actions turns the action lists participants return from their
// webhooks into state changes: pending orders, cancels, rumors, messages,
// alliances, bribes, whistleblow reports, and flee attempts.
//
// Everything here is validation plus bookkeeping; orders created here are
// matched by the next tick's matching pass, never immediately. Every attempt,
// accepted or rejected, is logged best-effort to the action log.
package actions

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsim/internal/metrics"
	"marketsim/internal/store"
	"marketsim/pkg/types"
)

// Config bounds the processor.
type Config struct {
	MaxPerTick     int
	RumorCost      int             // reputation deducted per rumor
	BribeMinimum   decimal.Decimal // smallest accepted bribe
	FleeSentence   int64           // ticks served after a failed flee
	WhistleblowRep int             // reputation swing for whistleblow parties
	Seed           int64           // 0 seeds from the clock
}

// OrderCanceller is the matching-engine surface the processor needs for
// CANCEL_ORDER: pulling a live order off its book or carry queue.
type OrderCanceller interface {
	Cancel(symbol, orderID string) (*types.Order, bool)
}

// Processor applies one agent's actions for one tick.
type Processor struct {
	store  *store.MemStore
	books  OrderCanceller
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a processor. A non-zero seed makes bribe/flee rolls reproducible.
func New(st *store.MemStore, books OrderCanceller, cfg Config, logger *slog.Logger) *Processor {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Processor{
		store:  st,
		books:  books,
		cfg:    cfg,
		logger: logger.With("component", "actions"),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (p *Processor) roll() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// Process applies up to MaxPerTick of the agent's actions in order and
// returns one result per processed action. Excess actions are dropped
// silently, per the per-tick cap.
func (p *Processor) Process(tick int64, agentID string, actions []types.Action) []types.ActionResult {
	if len(actions) > p.cfg.MaxPerTick {
		p.logger.Warn("action cap exceeded, dropping remainder",
			"agent", agentID, "submitted", len(actions), "cap", p.cfg.MaxPerTick)
		actions = actions[:p.cfg.MaxPerTick]
	}

	agent, err := p.store.Agent(agentID)
	if err != nil {
		return nil
	}

	results := make([]types.ActionResult, 0, len(actions))
	for _, a := range actions {
		res := p.apply(tick, &agent, a)
		results = append(results, res)

		outcome := "rejected"
		if res.Success {
			outcome = "accepted"
		}
		metrics.ActionsProcessed.WithLabelValues(string(a.Type), outcome).Inc()
		p.store.AppendActionLog(store.ActionLogEntry{
			Tick:      tick,
			AgentID:   agentID,
			Type:      a.Type,
			Payload:   a,
			Success:   res.Success,
			Detail:    res.Message,
			CreatedAt: time.Now().UTC(),
		})

		// Status changes (flee, imprisonment) gate the remaining actions.
		agent, err = p.store.Agent(agentID)
		if err != nil {
			break
		}
	}
	return results
}

func reject(t types.ActionType, msg string) types.ActionResult {
	return types.ActionResult{Type: t, Success: false, Message: msg}
}

func accept(t types.ActionType, msg string) types.ActionResult {
	return types.ActionResult{Type: t, Success: true, Message: msg}
}

func (p *Processor) apply(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if agent.Status != types.AgentActive {
		return reject(a.Type, fmt.Sprintf("agent is %s", agent.Status))
	}

	switch a.Type {
	case types.ActionBuy, types.ActionSell, types.ActionShort, types.ActionCover:
		return p.placeOrder(tick, agent, a)
	case types.ActionCancelOrder:
		return p.cancelOrder(agent, a)
	case types.ActionRumor:
		return p.rumor(tick, agent, a)
	case types.ActionMessage:
		return p.message(tick, agent, a)
	case types.ActionAlly:
		return p.ally(tick, agent, a)
	case types.ActionAllyAccept, types.ActionAllyReject:
		return p.allyRespond(tick, agent, a)
	case types.ActionBribe:
		return p.bribe(tick, agent, a)
	case types.ActionWhistleblow:
		return p.whistleblow(tick, agent, a)
	case types.ActionFlee:
		return p.flee(tick, agent, a)
	default:
		return reject(a.Type, "Validation error: unknown action type")
	}
}

func (p *Processor) placeOrder(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	symbol := types.NormalizeSymbol(a.Symbol)
	if symbol == "" {
		return reject(a.Type, "Validation error: symbol required")
	}
	if _, err := p.store.Company(symbol); err != nil {
		return reject(a.Type, fmt.Sprintf("Validation error: unknown symbol %s", symbol))
	}
	if a.Quantity <= 0 {
		return reject(a.Type, "Validation error: quantity must be positive")
	}
	side, _ := a.Type.OrderSide()

	orderType := types.OrderTypeMarket
	switch {
	case a.StopPrice != nil:
		orderType = types.OrderTypeStop
		if a.StopPrice.Sign() <= 0 {
			return reject(a.Type, "Validation error: stop price must be positive")
		}
	case a.Price != nil:
		orderType = types.OrderTypeLimit
		if a.Price.Sign() <= 0 {
			return reject(a.Type, "Validation error: price must be positive")
		}
	}

	o := &types.Order{
		ID:            uuid.NewString(),
		AgentID:       agent.ID,
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      a.Quantity,
		Price:         a.Price,
		StopPrice:     a.StopPrice,
		Status:        types.OrderPending,
		TickSubmitted: tick,
		CreatedAt:     time.Now().UTC(),
	}
	p.store.SaveOrder(o)
	res := accept(a.Type, fmt.Sprintf("%s %d %s queued", side, a.Quantity, symbol))
	res.OrderID = o.ID
	return res
}

func (p *Processor) cancelOrder(agent *types.Agent, a types.Action) types.ActionResult {
	if a.OrderID == "" {
		return reject(a.Type, "Validation error: orderId required")
	}
	o, err := p.store.Order(a.OrderID)
	if err != nil {
		return reject(a.Type, "order not found")
	}
	if o.AgentID != agent.ID {
		return reject(a.Type, "not your order")
	}
	if !o.Status.Cancellable() {
		return reject(a.Type, fmt.Sprintf("order is %s", o.Status))
	}

	// Pull it off the ladder / carry queue if it made it there.
	if live, ok := p.books.Cancel(o.Symbol, o.ID); ok {
		o = *live
	}
	o.Status = types.OrderCancelled
	p.store.SaveOrder(&o)

	res := accept(a.Type, "order cancelled")
	res.OrderID = o.ID
	return res
}

func (p *Processor) rumor(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.Content == "" {
		return reject(a.Type, "Validation error: content required")
	}
	if agent.Reputation < p.cfg.RumorCost {
		return reject(a.Type, "reputation too low")
	}

	sentiment := math.Max(-1, math.Min(1, a.Sentiment))
	symbol := types.NormalizeSymbol(a.Symbol)
	n := types.News{
		ID:        uuid.NewString(),
		Tick:      tick,
		Headline:  a.Content,
		Category:  types.NewsRumor,
		Sentiment: sentiment,
		AgentIDs:  []string{agent.ID},
		CreatedAt: time.Now().UTC(),
	}
	if symbol != "" {
		n.Symbols = []string{symbol}
	}
	p.store.AppendNews(n)
	p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
		ag.Reputation = types.ClampReputation(ag.Reputation - p.cfg.RumorCost)
	})
	return accept(a.Type, "rumor published")
}

func (p *Processor) message(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.TargetID == "" || a.Content == "" {
		return reject(a.Type, "Validation error: targetId and content required")
	}
	if a.TargetID == agent.ID {
		return reject(a.Type, "cannot message yourself")
	}
	target, err := p.store.Agent(a.TargetID)
	if err != nil {
		return reject(a.Type, "target not found")
	}
	if target.Status != types.AgentActive {
		return reject(a.Type, fmt.Sprintf("target is %s", target.Status))
	}

	p.store.AppendMessage(types.Message{
		ID:        uuid.NewString(),
		Tick:      tick,
		FromID:    agent.ID,
		ToID:      target.ID,
		Content:   a.Content,
		CreatedAt: time.Now().UTC(),
	})
	return accept(a.Type, "message sent")
}

func (p *Processor) ally(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.TargetID == "" {
		return reject(a.Type, "Validation error: targetId required")
	}
	if a.TargetID == agent.ID {
		return reject(a.Type, "cannot ally with yourself")
	}
	target, err := p.store.Agent(a.TargetID)
	if err != nil {
		return reject(a.Type, "target not found")
	}
	if target.Status != types.AgentActive {
		return reject(a.Type, fmt.Sprintf("target is %s", target.Status))
	}
	if _, exists := p.store.AllianceBetween(agent.ID, target.ID); exists {
		return reject(a.Type, "alliance already exists")
	}

	p.store.UpsertAlliance(&types.Alliance{
		ID:           uuid.NewString(),
		ProposerID:   agent.ID,
		TargetID:     target.ID,
		Status:       types.AlliancePending,
		ProposedTick: tick,
	})
	p.notify(tick, agent.ID, target.ID, fmt.Sprintf("%s proposed an alliance", agent.Name))
	return accept(a.Type, "alliance proposed")
}

func (p *Processor) allyRespond(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.TargetID == "" {
		return reject(a.Type, "Validation error: targetId required")
	}
	al, ok := p.store.PendingAllianceFor(agent.ID, a.TargetID)
	if !ok {
		return reject(a.Type, "no pending alliance from that agent")
	}

	if a.Type == types.ActionAllyAccept {
		al.Status = types.AllianceActive
		p.store.UpsertAlliance(&al)
		p.notify(tick, agent.ID, al.ProposerID, fmt.Sprintf("%s accepted your alliance", agent.Name))
		return accept(a.Type, "alliance active")
	}
	al.Status = types.AllianceDissolved
	p.store.UpsertAlliance(&al)
	p.notify(tick, agent.ID, al.ProposerID, fmt.Sprintf("%s rejected your alliance", agent.Name))
	return accept(a.Type, "alliance rejected")
}

// bribe pays an SEC regulator. An undetected bribe dismisses one open
// investigation against the briber; a detected one opens a bribery case.
// Detection probability rises with both the amount and the target's
// reputation.
func (p *Processor) bribe(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.TargetID == "" || a.Amount == nil {
		return reject(a.Type, "Validation error: targetId and amount required")
	}
	target, err := p.store.Agent(a.TargetID)
	if err != nil {
		return reject(a.Type, "target not found")
	}
	if target.Role != types.RoleSEC || target.Status != types.AgentActive {
		return reject(a.Type, "target is not an active regulator")
	}
	if a.Amount.LessThan(p.cfg.BribeMinimum) {
		return reject(a.Type, fmt.Sprintf("minimum bribe is %s", p.cfg.BribeMinimum))
	}
	if agent.Cash.LessThan(*a.Amount) {
		return reject(a.Type, "insufficient cash")
	}

	p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
		ag.Cash = ag.Cash.Sub(*a.Amount)
	})

	amount, _ := a.Amount.Float64()
	detection := 0.2 + 0.4*float64(target.Reputation)/100 + 0.2*math.Min(1, amount/100_000)
	if detection > 0.95 {
		detection = 0.95
	}

	if p.roll() < detection {
		p.store.UpsertInvestigation(&types.Investigation{
			ID:         uuid.NewString(),
			AgentID:    agent.ID,
			Type:       types.InvestigationBribery,
			Status:     "open",
			OpenedTick: tick,
		})
		p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
			ag.Reputation = types.ClampReputation(ag.Reputation - 10)
		})
		return reject(a.Type, "bribe detected, investigation opened")
	}

	if inv, ok := p.store.OpenInvestigationFor(agent.ID); ok {
		inv.Status = "resolved"
		inv.Verdict = "dismissed"
		p.store.UpsertInvestigation(&inv)
		return accept(a.Type, "investigation dismissed")
	}
	return accept(a.Type, "bribe accepted")
}

func (p *Processor) whistleblow(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	if a.TargetID == "" {
		return reject(a.Type, "Validation error: targetId required")
	}
	if a.TargetID == agent.ID {
		return reject(a.Type, "cannot report yourself")
	}
	target, err := p.store.Agent(a.TargetID)
	if err != nil {
		return reject(a.Type, "target not found")
	}
	if target.Status != types.AgentActive {
		return reject(a.Type, fmt.Sprintf("target is %s", target.Status))
	}

	p.store.UpsertInvestigation(&types.Investigation{
		ID:         uuid.NewString(),
		AgentID:    target.ID,
		Type:       types.InvestigationReport,
		Status:     "open",
		OpenedTick: tick,
	})
	p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
		ag.Reputation = types.ClampReputation(ag.Reputation + p.cfg.WhistleblowRep)
	})
	p.store.MutateAgent(target.ID, func(ag *types.Agent) {
		ag.Reputation = types.ClampReputation(ag.Reputation - p.cfg.WhistleblowRep)
	})
	return accept(a.Type, "report filed")
}

// flee attempts to escape an open investigation. Escape probability rises
// with cash on hand; failure means prison and a convicted verdict.
func (p *Processor) flee(tick int64, agent *types.Agent, a types.Action) types.ActionResult {
	inv, ok := p.store.OpenInvestigationFor(agent.ID)
	if !ok {
		return reject(a.Type, "no open investigation to flee")
	}

	cash, _ := agent.Cash.Float64()
	escape := 0.3 + 0.5*math.Min(1, cash/1_000_000)
	if escape > 0.9 {
		escape = 0.9
	}

	if p.roll() < escape {
		p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
			ag.Status = types.AgentFled
		})
		return accept(a.Type, "escaped the jurisdiction")
	}

	inv.Status = "resolved"
	inv.Verdict = "convicted"
	inv.SentenceTicks = p.cfg.FleeSentence
	p.store.UpsertInvestigation(&inv)
	p.store.MutateAgent(agent.ID, func(ag *types.Agent) {
		ag.Status = types.AgentImprisoned
	})
	return reject(a.Type, "caught at the border, imprisoned")
}

// notify drops a system message into the target's inbox; failures are
// impossible with the memory store but the message stream is best-effort
// by contract.
func (p *Processor) notify(tick int64, fromID, toID, content string) {
	p.store.AppendMessage(types.Message{
		ID:        uuid.NewString(),
		Tick:      tick,
		FromID:    fromID,
		ToID:      toID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}
