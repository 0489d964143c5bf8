// Package engine drives the simulation: on every tick it advances each
// instrument's price, folds the price into its candle and publishes the result
// to websocket subscribers and to the candle sinks.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"otc-engine/internal/catalog"
	"otc-engine/internal/market"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
	"otc-engine/internal/wire"
)

// Error kinds reported through OnError.
const (
	KindUnknown     = "unknown"
	KindInvalidTick = "invalid_tick"
	KindConsistency = "consistency"
	KindBroadcast   = "broadcast"
)

// Broadcaster delivers outbound messages to every live subscriber.
type Broadcaster interface {
	Broadcast(msg wire.Outbound) error
	CloseAll()
}

// Config controls the tick loop.
type Config struct {
	TickInterval time.Duration // default 1s
	Workers      int           // instruments processed concurrently; default 1
	Volatility   catalog.VolatilityPolicy
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Volatility == (catalog.VolatilityPolicy{}) {
		c.Volatility = catalog.DefaultVolatility()
	}
}

// Engine owns the periodic driver.
type Engine struct {
	cfg  Config
	reg  *market.Registry
	gen  *market.Generator
	agg  *market.Aggregator
	out  Broadcaster
	sink chan<- model.CandleEvent
	vols map[string]float64

	// Optional hooks
	OnTick     func(pair string)
	OnFinalize func(pair string, c model.Candle)
	OnError    func(pair, kind string, err error)
	OnSinkDrop func(ev model.CandleEvent)
	OnPublish  func(d time.Duration) // tick generation to both broadcasts queued
	OnRound    func(d time.Duration, instruments int)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine over reg. Instruments are looked up in cat for their
// volatility tier; sink receives forming and finalized candle events and may
// be nil.
func New(cfg Config, reg *market.Registry, gen *market.Generator, cat model.Catalog, out Broadcaster, sink chan<- model.CandleEvent) *Engine {
	cfg.defaults()
	vols := make(map[string]float64)
	if cat != nil {
		for _, inst := range cat.ListAllInstruments() {
			vols[inst.ID] = cfg.Volatility.For(inst)
		}
	}
	return &Engine{
		cfg:  cfg,
		reg:  reg,
		gen:  gen,
		agg:  market.NewAggregator(reg),
		out:  out,
		sink: sink,
		vols: vols,
	}
}

// Start launches the loop and returns immediately. Calling Start twice is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	slog.Info("engine started", "component", "engine",
		"tick_interval", e.cfg.TickInterval, "workers", e.cfg.Workers,
		"instruments", len(e.reg.Instruments()))
}

// Stop cancels the loop, waits for the running round to finish and closes
// every subscriber. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel, done := e.cancel, e.done
		e.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		if e.out != nil {
			e.out.CloseAll()
		}
		slog.Info("engine stopped", "component", "engine")
	})
}

// Done is closed when the loop exits. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

// Step runs one round over every initialized instrument. A round completes
// before the next one can start. Nothing runs until the registry is ready.
func (e *Engine) Step() {
	if !e.reg.IsReady() {
		return
	}
	start := time.Now()
	pairs := e.reg.Instruments()

	if e.cfg.Workers <= 1 || len(pairs) <= 1 {
		for _, pair := range pairs {
			e.process(pair)
		}
	} else {
		jobs := make(chan string)
		var wg sync.WaitGroup
		n := e.cfg.Workers
		if n > len(pairs) {
			n = len(pairs)
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for pair := range jobs {
					e.process(pair)
				}
			}()
		}
		for _, pair := range pairs {
			jobs <- pair
		}
		close(jobs)
		wg.Wait()
	}

	if e.OnRound != nil {
		e.OnRound(time.Since(start), len(pairs))
	}
}

// process advances one instrument. Failures are reported and contained so the
// remaining instruments still tick.
func (e *Engine) process(pair string) {
	start := time.Now()
	tick, upd, err := e.agg.Advance(e.gen, pair, e.volatility(pair))
	if err != nil {
		e.fail(pair, err)
		return
	}
	if e.OnTick != nil {
		e.OnTick(pair)
	}

	e.broadcast(pair, wire.PriceTick{PriceTick: tick})
	e.broadcast(pair, wire.CandleUpdate{Pair: pair, Candle: upd.Candle, IsNewCandle: upd.IsNewCandle})
	if e.OnPublish != nil {
		e.OnPublish(time.Since(start))
	}

	interval := e.reg.Interval()
	if upd.Finalized != nil {
		if e.OnFinalize != nil {
			e.OnFinalize(pair, *upd.Finalized)
		}
		e.emit(model.CandleEvent{Pair: pair, Interval: interval, Candle: *upd.Finalized, Final: true})
	}
	e.emit(model.CandleEvent{Pair: pair, Interval: interval, Candle: upd.Candle})
}

func (e *Engine) broadcast(pair string, msg wire.Outbound) {
	if e.out == nil {
		return
	}
	if err := e.out.Broadcast(msg); err != nil {
		e.report(pair, KindBroadcast, err)
	}
}

func (e *Engine) emit(ev model.CandleEvent) {
	if e.sink == nil {
		return
	}
	select {
	case e.sink <- ev:
	default:
		if e.OnSinkDrop != nil {
			e.OnSinkDrop(ev)
		}
	}
}

func (e *Engine) volatility(pair string) float64 {
	if v, ok := e.vols[pair]; ok {
		return v
	}
	return e.cfg.Volatility.For(model.Instrument{ID: pair})
}

func (e *Engine) fail(pair string, err error) {
	var ce *market.ConsistencyError
	switch {
	case errors.Is(err, market.ErrUnknownInstrument):
		e.report(pair, KindUnknown, err)
	case errors.As(err, &ce), errors.Is(err, validate.ErrInvalidCandle):
		e.report(pair, KindConsistency, err)
	default:
		e.report(pair, KindInvalidTick, err)
	}
}

func (e *Engine) report(pair, kind string, err error) {
	slog.Warn("instrument skipped", "component", "engine", "pair", pair, "kind", kind, "error", err)
	if e.OnError != nil {
		e.OnError(pair, kind, err)
	}
}
