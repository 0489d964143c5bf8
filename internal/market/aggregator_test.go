package market

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

func TestApplyTick_EURUSDScenario(t *testing.T) {
	const t0 = 1_700_000_000
	clk := newFakeClock(t0)
	reg := NewRegistry(60, clk.Now)
	agg := NewAggregator(reg)
	if err := reg.Initialize("EURUSD", 1.0850); err != nil {
		t.Fatal(err)
	}

	var prevClose float64
	for i := 1; i <= 59; i++ {
		price := 1.0850 + float64(i%5-2)*0.0001
		upd, err := agg.ApplyTick("EURUSD", model.PriceTick{Pair: "EURUSD", Time: t0 + int64(i), Price: price})
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if upd.IsNewCandle {
			t.Fatalf("tick %d rolled over early", i)
		}
		if upd.Candle.Time != t0 {
			t.Fatalf("tick %d: candle time %d, want pinned %d", i, upd.Candle.Time, t0)
		}
		prevClose = upd.Candle.Close
	}

	upd, err := agg.ApplyTick("EURUSD", model.PriceTick{Pair: "EURUSD", Time: t0 + 60, Price: 1.0855})
	if err != nil {
		t.Fatal(err)
	}
	if !upd.IsNewCandle {
		t.Fatal("60th tick should roll over")
	}
	if upd.Candle.Open != prevClose {
		t.Errorf("new open %v, want previous close %v", upd.Candle.Open, prevClose)
	}
	if upd.Finalized == nil || upd.Finalized.Close != prevClose || upd.Finalized.Time != t0 {
		t.Errorf("finalized = %+v", upd.Finalized)
	}
	st, _ := reg.Get("EURUSD")
	if st.CandleStartTime != t0+60 || st.CurrentCandle.Time != t0+60 {
		t.Errorf("start = %d time = %d, want %d", st.CandleStartTime, st.CurrentCandle.Time, t0+60)
	}
}

func TestApplyTick_UnknownInstrument(t *testing.T) {
	agg := NewAggregator(NewRegistry(60, nil))
	_, err := agg.ApplyTick("NOPE", model.PriceTick{Pair: "NOPE", Time: 1, Price: 1})
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("err = %v, want ErrUnknownInstrument", err)
	}
}

func TestApplyTick_InvalidCandleNotCommitted(t *testing.T) {
	clk := newFakeClock(1_700_000_000)
	reg := NewRegistry(60, clk.Now)
	agg := NewAggregator(reg)
	_ = reg.Initialize("USDJPY", 149.50)
	before, _ := reg.Get("USDJPY")

	_, err := agg.ApplyTick("USDJPY", model.PriceTick{Pair: "USDJPY", Time: 1_700_000_001, Price: math.NaN()})
	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConsistencyError", err)
	}
	if !errors.Is(err, validate.ErrInvalidCandle) {
		t.Fatalf("err = %v, want wrapping ErrInvalidCandle", err)
	}
	if ce.Pair != "USDJPY" {
		t.Errorf("ConsistencyError.Pair = %q", ce.Pair)
	}

	after, _ := reg.Get("USDJPY")
	if after.CurrentCandle != before.CurrentCandle {
		t.Fatalf("candle changed after rejected tick: %+v -> %+v", before.CurrentCandle, after.CurrentCandle)
	}
}

func TestGenerateAndAggregate_OHLCHolds(t *testing.T) {
	clk := newFakeClock(1_700_000_000)
	reg := NewRegistry(5, clk.Now)
	gen := NewGenerator(reg, newRand(11))
	agg := NewAggregator(reg)
	_ = reg.Initialize("AUDUSD", 0.6550)

	rollovers := 0
	for i := 0; i < 200; i++ {
		clk.Advance(time.Second)
		tick, err := gen.NextTick("AUDUSD", 0.01)
		if err != nil {
			t.Fatal(err)
		}
		upd, err := agg.ApplyTick("AUDUSD", tick)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if upd.IsNewCandle {
			rollovers++
		}
		if _, err := validate.Candle(upd.Candle); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if rollovers != 40 {
		t.Fatalf("rollovers = %d, want 40", rollovers)
	}
}

func TestAdvance_ResetBetweenStepsKeepsCandleOnPrice(t *testing.T) {
	clk := newFakeClock(1_700_000_000)
	reg := NewRegistry(60, clk.Now)
	gen := NewGenerator(reg, newRand(3))
	agg := NewAggregator(reg)
	_ = reg.Initialize("BTCUSD", 43250)

	if _, _, err := agg.Advance(gen, "BTCUSD", 0.02); err != nil {
		t.Fatal(err)
	}
	if err := reg.Initialize("BTCUSD", 100); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	tick, upd, err := agg.Advance(gen, "BTCUSD", 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if upd.Candle.Open != 100 || upd.Candle.Close != tick.Price {
		t.Fatalf("candle = %+v, tick = %v", upd.Candle, tick.Price)
	}
	if upd.Candle.High > 100*(1+maxStepFraction) {
		t.Fatalf("pre-reset price leaked into candle: %+v", upd.Candle)
	}
	st, _ := reg.Get("BTCUSD")
	if st.CurrentCandle.Close != st.CurrentPrice {
		t.Fatalf("close %v != price %v", st.CurrentCandle.Close, st.CurrentPrice)
	}
}

func TestAdvance_ConcurrentResetNeverSplitsStep(t *testing.T) {
	reg := NewRegistry(60, nil)
	gen := NewGenerator(reg, newRand(5))
	agg := NewAggregator(reg)
	_ = reg.Initialize("BTCUSD", 43250)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = reg.Initialize("BTCUSD", 100)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		tick, upd, err := agg.Advance(gen, "BTCUSD", 0.02)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if upd.Candle.Close != tick.Price {
			t.Fatalf("step %d: close %v != tick %v", i, upd.Candle.Close, tick.Price)
		}
		if upd.Candle.Open == 100 && upd.Candle.High > 1000 {
			t.Fatalf("step %d: mixed candle %+v", i, upd.Candle)
		}
		st, _ := reg.Get("BTCUSD")
		if st.CurrentCandle.Close != st.CurrentPrice {
			t.Fatalf("step %d: close %v != price %v", i, st.CurrentCandle.Close, st.CurrentPrice)
		}
	}
	close(stop)
	wg.Wait()
}
