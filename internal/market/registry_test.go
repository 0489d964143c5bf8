package market

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for deterministic candle timing.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(unix int64) *fakeClock { return &fakeClock{t: time.Unix(unix, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestInitialize_RejectsBadStartPrice(t *testing.T) {
	reg := NewRegistry(60, nil)
	for _, p := range []float64{-5, 0, math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := reg.Initialize("BTCUSD", p)
		if !errors.Is(err, ErrInvalidStartPrice) {
			t.Fatalf("Initialize(%v) err = %v, want ErrInvalidStartPrice", p, err)
		}
	}
	if _, ok := reg.Get("BTCUSD"); ok {
		t.Fatal("BTCUSD should be absent after failed initialization")
	}
	if n := len(reg.Instruments()); n != 0 {
		t.Fatalf("Instruments() len = %d, want 0", n)
	}
}

func TestInitialize_SeedsDegenerateCandle(t *testing.T) {
	clk := newFakeClock(1_700_000_000)
	reg := NewRegistry(60, clk.Now)
	if err := reg.Initialize("EURUSD", 1.0850); err != nil {
		t.Fatal(err)
	}
	st, ok := reg.Get("EURUSD")
	if !ok {
		t.Fatal("EURUSD missing")
	}
	c := st.CurrentCandle
	if c.Open != 1.0850 || c.High != 1.0850 || c.Low != 1.0850 || c.Close != 1.0850 {
		t.Errorf("seed candle = %+v, want all 1.0850", c)
	}
	if c.Time != 1_700_000_000 || st.CandleStartTime != 1_700_000_000 {
		t.Errorf("seed time = %d start = %d", c.Time, st.CandleStartTime)
	}
	if st.CandleInterval != 60 {
		t.Errorf("interval = %d, want 60", st.CandleInterval)
	}
	if len(st.PriceHistory) != 1 || st.PriceHistory[0] != 1.0850 {
		t.Errorf("history = %v, want [1.0850]", st.PriceHistory)
	}
}

func TestInitialize_ResetClearsMomentumAndHistory(t *testing.T) {
	clk := newFakeClock(1_700_000_000)
	reg := NewRegistry(60, clk.Now)
	gen := NewGenerator(reg, newRand(7))
	if err := reg.Initialize("ETHUSD", 2345.67); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		clk.Advance(time.Second)
		if _, err := gen.NextTick("ETHUSD", 0.0008); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := reg.Get("ETHUSD")
	if before.Momentum == 0 || len(before.PriceHistory) != 21 {
		t.Fatalf("expected state to have evolved, got momentum=%v history=%d", before.Momentum, len(before.PriceHistory))
	}

	if err := reg.Initialize("ETHUSD", 2000); err != nil {
		t.Fatal(err)
	}
	after, _ := reg.Get("ETHUSD")
	if after.Momentum != 0 {
		t.Errorf("momentum = %v after reset, want 0", after.Momentum)
	}
	if len(after.PriceHistory) != 1 || after.PriceHistory[0] != 2000 {
		t.Errorf("history = %v after reset, want [2000]", after.PriceHistory)
	}
	if after.CurrentPrice != 2000 || after.CurrentCandle.Open != 2000 || after.CurrentCandle.High != 2000 {
		t.Errorf("state after reset = %+v", after)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	reg := NewRegistry(60, nil)
	_ = reg.Initialize("EURUSD", 1.0850)
	st, _ := reg.Get("EURUSD")
	st.PriceHistory[0] = 99
	st.CurrentPrice = 99

	again, _ := reg.Get("EURUSD")
	if again.PriceHistory[0] != 1.0850 || again.CurrentPrice != 1.0850 {
		t.Fatalf("registry state mutated through copy: %+v", again)
	}
}

func TestReadyGate(t *testing.T) {
	reg := NewRegistry(60, nil)
	if reg.IsReady() {
		t.Fatal("empty registry must not be ready")
	}
	reg.MarkReady()
	if reg.IsReady() {
		t.Fatal("ready signal without instruments must not be ready")
	}
	_ = reg.Initialize("EURUSD", 1.0850)
	if !reg.IsReady() {
		t.Fatal("expected ready after signal and one instrument")
	}

	reg2 := NewRegistry(60, nil)
	_ = reg2.Initialize("EURUSD", 1.0850)
	if reg2.IsReady() {
		t.Fatal("instruments without the ready signal must not be ready")
	}
}

func TestInstruments_Sorted(t *testing.T) {
	reg := NewRegistry(60, nil)
	for _, p := range []string{"USDJPY", "BTCUSD", "EURUSD"} {
		_ = reg.Initialize(p, 1)
	}
	got := reg.Instruments()
	want := []string{"BTCUSD", "EURUSD", "USDJPY"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Instruments() = %v, want %v", got, want)
		}
	}
}

func TestNewRegistry_DefaultInterval(t *testing.T) {
	if got := NewRegistry(0, nil).Interval(); got != DefaultCandleInterval {
		t.Fatalf("Interval() = %d, want %d", got, DefaultCandleInterval)
	}
}
