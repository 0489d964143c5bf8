// Package candle is the side-effect-free candle bucketing core. The server
// aggregator and the client-side mirror both call Apply, so the two sides can
// never disagree on how ticks roll into candles.
package candle

import (
	"math"

	"otc-engine/internal/model"
)

// State is the in-progress candle for one instrument.
type State struct {
	Candle    model.Candle
	StartTime int64 // Unix second the current bucket began
	Interval  int64 // bucket width in seconds
}

// Update is the result of applying one tick.
type Update struct {
	Candle      model.Candle  // candle after the tick
	IsNewCandle bool          // true when the tick rolled the bucket over
	Finalized   *model.Candle // the closed candle on rollover, nil otherwise
}

// Seed returns the degenerate first candle for an instrument starting at price.
func Seed(price float64, now int64, interval int64) State {
	return State{
		Candle: model.Candle{
			Time:  now,
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		},
		StartTime: now,
		Interval:  interval,
	}
}

// Apply folds tick into st and returns the next state. st is not modified.
//
// A tick at or beyond StartTime+Interval closes the current candle and opens a
// new one at tick.Time whose open is the previous close. Otherwise the candle
// is updated in place and its Time stays pinned to the bucket start.
func Apply(st State, tick model.PriceTick) (State, Update) {
	p := tick.Price

	if tick.Time-st.StartTime >= st.Interval {
		prev := st.Candle
		open := prev.Close
		next := State{
			Candle: model.Candle{
				Time:  tick.Time,
				Open:  open,
				High:  math.Max(open, p),
				Low:   math.Min(open, p),
				Close: p,
			},
			StartTime: tick.Time,
			Interval:  st.Interval,
		}
		return next, Update{Candle: next.Candle, IsNewCandle: true, Finalized: &prev}
	}

	c := st.Candle
	if p > c.High {
		c.High = p
	}
	if p < c.Low {
		c.Low = p
	}
	c.Close = p
	st.Candle = c
	return st, Update{Candle: c}
}
