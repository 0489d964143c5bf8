package market

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

const (
	momentumKeep    = 0.85 // weight of the previous momentum
	momentumShock   = 0.15 // weight of the new random shock
	reversionWindow = 10   // prices averaged for the reversion target
	reversionFactor = 0.02
	maxStepFraction = 0.05 // hard per-tick bound on |Δprice| / last
)

// Generator advances instrument prices with a bounded random walk that carries
// momentum and reverts towards the recent mean.
type Generator struct {
	reg *Registry
	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewGenerator creates a generator over reg. rng may be nil for a time-seeded source.
func NewGenerator(reg *Registry, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{reg: reg, now: reg.now, rng: rng}
}

// NextTick computes and commits the next price for pair.
func (g *Generator) NextTick(pair string, volatility float64) (model.PriceTick, error) {
	var tick model.PriceTick
	err := g.reg.with(pair, func(e *entry) error {
		t, momentum, err := g.propose(e, pair, volatility)
		if err != nil {
			return err
		}
		commitPrice(e, t.Price, momentum)
		tick = t
		return nil
	})
	return tick, err
}

// propose computes the next validated tick for e without touching it.
// The caller must hold e.mu.
func (g *Generator) propose(e *entry, pair string, volatility float64) (model.PriceTick, float64, error) {
	last := e.price
	shock := g.uniform() * volatility
	momentum := e.momentum*momentumKeep + shock*momentumShock
	if !isFinite(momentum) {
		momentum = 0
	}

	next := step(last, momentum, recentMean(e.history, last))

	t, err := validate.Tick(model.PriceTick{Pair: pair, Time: g.now().Unix(), Price: next})
	if err != nil {
		return model.PriceTick{}, 0, err
	}
	return t, momentum, nil
}

func commitPrice(e *entry, price, momentum float64) {
	e.momentum = momentum
	e.price = price
	e.history = appendBounded(e.history, price)
}

// step applies momentum and mean reversion to last and clamps the move.
func step(last, momentum, mean float64) float64 {
	reversion := (mean - last) * reversionFactor
	next := last + last*(momentum+reversion)
	if !isFinite(next) {
		return last
	}
	lo, hi := last*(1-maxStepFraction), last*(1+maxStepFraction)
	return math.Min(math.Max(next, lo), hi)
}

// recentMean averages up to the last reversionWindow prices, or returns fallback.
func recentMean(history []float64, fallback float64) float64 {
	n := len(history)
	if n == 0 {
		return fallback
	}
	if n > reversionWindow {
		history = history[n-reversionWindow:]
	}
	sum := 0.0
	for _, p := range history {
		sum += p
	}
	return sum / float64(len(history))
}

func appendBounded(history []float64, p float64) []float64 {
	history = append(history, p)
	if over := len(history) - HistoryCap; over > 0 {
		history = append(history[:0], history[over:]...)
	}
	return history
}

// uniform draws from [-1, 1).
func (g *Generator) uniform() float64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Float64()*2 - 1
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
