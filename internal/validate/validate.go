// Package validate holds the schema checks every tick and candle must pass
// before it crosses the engine/transport boundary in either direction.
package validate

import (
	"errors"
	"fmt"
	"math"

	"otc-engine/internal/model"
)

var (
	// ErrInvalidCandle is returned for a candle that breaks an OHLC or numeric invariant.
	ErrInvalidCandle = errors.New("invalid candle")
	// ErrInvalidTick is returned for a tick with an empty pair, bad time or bad price.
	ErrInvalidTick = errors.New("invalid tick")
)

// Candle checks c and returns it unchanged, or an error wrapping ErrInvalidCandle.
func Candle(c model.Candle) (model.Candle, error) {
	if !finite(c.Open) || !finite(c.High) || !finite(c.Low) || !finite(c.Close) {
		return c, fmt.Errorf("%w: non-finite price (o=%v h=%v l=%v c=%v)", ErrInvalidCandle, c.Open, c.High, c.Low, c.Close)
	}
	if c.Time <= 0 {
		return c, fmt.Errorf("%w: time %d not positive", ErrInvalidCandle, c.Time)
	}
	if c.High < c.Low {
		return c, fmt.Errorf("%w: high %v < low %v", ErrInvalidCandle, c.High, c.Low)
	}
	if c.High < math.Max(c.Open, c.Close) {
		return c, fmt.Errorf("%w: high %v below body", ErrInvalidCandle, c.High)
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return c, fmt.Errorf("%w: low %v above body", ErrInvalidCandle, c.Low)
	}
	return c, nil
}

// Tick checks t and returns it unchanged, or an error wrapping ErrInvalidTick.
func Tick(t model.PriceTick) (model.PriceTick, error) {
	if t.Pair == "" {
		return t, fmt.Errorf("%w: empty pair", ErrInvalidTick)
	}
	if t.Time <= 0 {
		return t, fmt.Errorf("%w: time %d not positive", ErrInvalidTick, t.Time)
	}
	if !finite(t.Price) || t.Price <= 0 {
		return t, fmt.Errorf("%w: price %v", ErrInvalidTick, t.Price)
	}
	return t, nil
}

// Price reports whether p is usable as a market price: finite and strictly positive.
func Price(p float64) bool {
	return finite(p) && p > 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
