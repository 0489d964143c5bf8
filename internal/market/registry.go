// Package market owns per-instrument simulation state and the two operations
// that mutate it: price generation and candle aggregation.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"otc-engine/internal/marketdata/candle"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

const (
	// HistoryCap bounds PriceHistory; the oldest price is evicted on overflow.
	HistoryCap = 50

	// DefaultCandleInterval is the bucket width used when none is configured.
	DefaultCandleInterval = 60
)

var (
	// ErrInvalidStartPrice is returned by Initialize for a non-positive or non-finite price.
	ErrInvalidStartPrice = errors.New("invalid start price")
	// ErrUnknownInstrument is returned for any operation on an instrument never initialized.
	ErrUnknownInstrument = errors.New("unknown instrument")
)

// MarketState is a copy of one instrument's simulation state.
type MarketState struct {
	Pair            string
	CurrentPrice    float64
	CurrentCandle   model.Candle
	CandleStartTime int64
	CandleInterval  int64
	Momentum        float64
	PriceHistory    []float64
}

// entry is the registry-owned state for one instrument, guarded by its own mutex
// so independent instruments never contend.
type entry struct {
	mu       sync.Mutex
	price    float64
	momentum float64
	history  []float64
	candle   candle.State
}

func (e *entry) snapshot(pair string) MarketState {
	hist := make([]float64, len(e.history))
	copy(hist, e.history)
	return MarketState{
		Pair:            pair,
		CurrentPrice:    e.price,
		CurrentCandle:   e.candle.Candle,
		CandleStartTime: e.candle.StartTime,
		CandleInterval:  e.candle.Interval,
		Momentum:        e.momentum,
		PriceHistory:    hist,
	}
}

// Registry holds the state of every initialized instrument.
// It is constructed explicitly and passed to the generator, aggregator and
// broadcast layers; there is no package-level state.
type Registry struct {
	interval int64
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	ready   bool
}

// NewRegistry creates a registry whose candles are interval seconds wide.
// now may be nil, in which case time.Now is used.
func NewRegistry(interval int, now func() time.Time) *Registry {
	if interval <= 0 {
		interval = DefaultCandleInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		interval: int64(interval),
		now:      now,
		entries:  make(map[string]*entry),
	}
}

// Interval returns the candle bucket width in seconds.
func (r *Registry) Interval() int {
	return int(r.interval)
}

// Initialize creates or resets the state for pair. Resetting discards momentum,
// history and the in-progress candle.
func (r *Registry) Initialize(pair string, startPrice float64) error {
	if pair == "" {
		return fmt.Errorf("%w: empty pair", ErrUnknownInstrument)
	}
	if !validate.Price(startPrice) {
		return fmt.Errorf("%w: %s start price %v", ErrInvalidStartPrice, pair, startPrice)
	}

	now := r.now().Unix()
	fresh := &entry{
		price:   startPrice,
		history: append(make([]float64, 0, HistoryCap), startPrice),
		candle:  candle.Seed(startPrice, now, r.interval),
	}

	r.mu.Lock()
	if old, ok := r.entries[pair]; ok {
		// Reset in place so callers holding the entry see the new state.
		r.mu.Unlock()
		old.mu.Lock()
		old.price = fresh.price
		old.momentum = 0
		old.history = fresh.history
		old.candle = fresh.candle
		old.mu.Unlock()
		return nil
	}
	r.entries[pair] = fresh
	r.mu.Unlock()
	return nil
}

// Get returns a copy of pair's state.
func (r *Registry) Get(pair string) (MarketState, bool) {
	e := r.lookup(pair)
	if e == nil {
		return MarketState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(pair), true
}

// Instruments returns the keys of all initialized instruments, sorted.
func (r *Registry) Instruments() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// MarkReady raises the ready signal. Subscribers are served only once this has
// been called and at least one instrument exists.
func (r *Registry) MarkReady() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
}

// IsReady reports whether the engine may serve subscribers.
func (r *Registry) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready && len(r.entries) > 0
}

// CurrentCandle returns pair's in-progress candle.
func (r *Registry) CurrentCandle(pair string) (model.Candle, bool) {
	e := r.lookup(pair)
	if e == nil {
		return model.Candle{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candle.Candle, true
}

func (r *Registry) lookup(pair string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[pair]
}

// with runs fn while holding pair's lock.
func (r *Registry) with(pair string, fn func(e *entry) error) error {
	e := r.lookup(pair)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, pair)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}
