// Package price implements the per-tick price model.
//
// Each tick every listed symbol gets a new price from a weighted sum of
// log-return drivers:
//
//	r = regime drift
//	  + beta * sector factor          (one Gaussian draw per sector per tick)
//	  + volatility * Gaussian noise   (per-symbol random walk)
//	  + pressure weight * squashed net signed trade volume
//	  + sum of active event impacts   (linear decay over each event's duration)
//	  + sentiment weight * decayed news sentiment
//
// The return is clamped to |r| <= MaxTickMove and the resulting price to the
// configured floor, so no single tick can gap a symbol to zero or to absurdity.
package price

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketsim/pkg/types"
)

// Params tunes the model weights.
type Params struct {
	MaxTickMove     float64         // cap on |log(new/old)| per tick
	Floor           decimal.Decimal // absolute price floor
	PressureWeight  float64
	SectorWeight    float64
	SentimentWeight float64
	SentimentDecay  float64 // per-tick multiplier in (0,1]
	Seed            int64   // 0 seeds from the clock
}

// Model holds the stochastic state: the RNG and the per-symbol sentiment
// aggregate that news feeds and each tick decays.
type Model struct {
	mu        sync.Mutex
	params    Params
	rng       *rand.Rand
	sentiment map[string]float64
	logger    *slog.Logger
}

// New creates a model. A non-zero seed makes the walk reproducible.
func New(params Params, logger *slog.Logger) *Model {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Model{
		params:    params,
		rng:       rand.New(rand.NewSource(seed)),
		sentiment: make(map[string]float64),
		logger:    logger.With("component", "price"),
	}
}

// AddSentiment feeds one news entry's sentiment into a symbol's aggregate.
func (m *Model) AddSentiment(symbol string, s float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentiment[symbol] += s
}

// Sentiment returns a symbol's current decayed aggregate.
func (m *Model) Sentiment(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentiment[symbol]
}

// Move is one symbol's price transition for a tick.
type Move struct {
	Symbol    string
	Old       decimal.Decimal
	New       decimal.Decimal
	LogReturn float64
}

// AdvanceTick recomputes every company's price in place and returns the moves.
//
// pressure maps symbol to the tick's net signed trade quantity (buys minus
// sells from the aggressor's side); events are the active tick-scoped shocks.
func (m *Model) AdvanceTick(tick int64, world *types.WorldState, companies []*types.Company, pressure map[string]int64, events []types.MarketEvent) []Move {
	m.mu.Lock()
	defer m.mu.Unlock()

	drift := regimeDrift(world.Regime)

	// One factor draw per sector per tick: symbols in a sector co-move.
	sectorFactor := make(map[string]float64)
	for _, c := range companies {
		if _, ok := sectorFactor[c.Sector]; !ok {
			sectorFactor[c.Sector] = m.rng.NormFloat64() * 0.01 * m.params.SectorWeight
		}
	}

	moves := make([]Move, 0, len(companies))
	for _, c := range companies {
		r := drift
		r += c.Beta * sectorFactor[c.Sector]
		r += c.Volatility * m.rng.NormFloat64()
		r += m.params.PressureWeight * squash(float64(pressure[c.Symbol]))
		for i := range events {
			e := &events[i]
			if e.Symbol == c.Symbol || (e.Symbol == "" && e.Sector == c.Sector) {
				r += e.ImpactAt(tick)
			}
		}
		r += m.params.SentimentWeight * m.sentiment[c.Symbol]

		r = clamp(r, m.params.MaxTickMove)

		old := c.Price
		next := old.Mul(decimal.NewFromFloat(math.Exp(r))).Round(4)
		if next.LessThan(m.params.Floor) {
			next = m.params.Floor
		}

		c.PrevClose = old
		c.Price = next
		c.Momentum = 0.8*c.Momentum + 0.2*r
		if next.GreaterThan(c.High) {
			c.High = next
		}
		if c.Low.IsZero() || next.LessThan(c.Low) {
			c.Low = next
		}

		moves = append(moves, Move{Symbol: c.Symbol, Old: old, New: next, LogReturn: r})
	}

	for sym := range m.sentiment {
		m.sentiment[sym] *= m.params.SentimentDecay
		if math.Abs(m.sentiment[sym]) < 1e-6 {
			delete(m.sentiment, sym)
		}
	}

	return moves
}

// regimeDrift is the macro drift per tick by market regime.
func regimeDrift(r types.Regime) float64 {
	switch r {
	case types.RegimeBull:
		return 0.0005
	case types.RegimeBear:
		return -0.0005
	case types.RegimeCrash:
		return -0.005
	case types.RegimeBubble:
		return 0.002
	default:
		return 0
	}
}

// squash maps unbounded net volume into (-1, 1) so a single enormous order
// cannot move price without bound.
func squash(x float64) float64 {
	return math.Tanh(x / 1000)
}

func clamp(r, bound float64) float64 {
	if r > bound {
		return bound
	}
	if r < -bound {
		return -bound
	}
	return r
}
