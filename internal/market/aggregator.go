package market

import (
	"fmt"

	"otc-engine/internal/marketdata/candle"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

// ConsistencyError reports an aggregated candle that failed validation.
// It indicates a logic bug rather than a transient fault and is not retryable.
type ConsistencyError struct {
	Pair   string
	Candle model.Candle
	Err    error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: %s candle %+v: %v", e.Pair, e.Candle, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Aggregator folds ticks into each instrument's in-progress candle.
type Aggregator struct {
	reg *Registry
}

// NewAggregator creates an aggregator over reg.
func NewAggregator(reg *Registry) *Aggregator {
	return &Aggregator{reg: reg}
}

// ApplyTick folds tick into pair's candle. The result is validated before it
// is committed; on failure the registry is left untouched.
func (a *Aggregator) ApplyTick(pair string, tick model.PriceTick) (candle.Update, error) {
	var upd candle.Update
	err := a.reg.with(pair, func(e *entry) error {
		next, u, err := fold(e, pair, tick)
		if err != nil {
			return err
		}
		e.candle = next
		upd = u
		return nil
	})
	return upd, err
}

// Advance generates the next tick for pair and folds it into the candle under
// a single hold of the instrument lock, so a concurrent Initialize lands either
// before or after the whole step. Nothing is committed unless both the tick and
// the resulting candles validate.
func (a *Aggregator) Advance(g *Generator, pair string, volatility float64) (model.PriceTick, candle.Update, error) {
	var (
		tick model.PriceTick
		upd  candle.Update
	)
	err := a.reg.with(pair, func(e *entry) error {
		t, momentum, err := g.propose(e, pair, volatility)
		if err != nil {
			return err
		}
		next, u, err := fold(e, pair, t)
		if err != nil {
			return err
		}
		commitPrice(e, t.Price, momentum)
		e.candle = next
		tick, upd = t, u
		return nil
	})
	return tick, upd, err
}

// fold applies tick to e's candle and validates the result. The caller must hold e.mu.
func fold(e *entry, pair string, tick model.PriceTick) (candle.State, candle.Update, error) {
	next, u := candle.Apply(e.candle, tick)
	if _, err := validate.Candle(u.Candle); err != nil {
		return candle.State{}, candle.Update{}, &ConsistencyError{Pair: pair, Candle: u.Candle, Err: err}
	}
	if u.Finalized != nil {
		if _, err := validate.Candle(*u.Finalized); err != nil {
			return candle.State{}, candle.Update{}, &ConsistencyError{Pair: pair, Candle: *u.Finalized, Err: err}
		}
	}
	return next, u, nil
}
