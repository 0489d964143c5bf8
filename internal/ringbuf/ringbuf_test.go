package ringbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"otc-engine/internal/model"
)

func candleAt(ts int64, close float64) model.Candle {
	return model.Candle{Time: ts, Open: close, High: close, Low: close, Close: close}
}

func TestRing_PushLast(t *testing.T) {
	r := New(4)
	for i := int64(1); i <= 3; i++ {
		r.Push(candleAt(i*60, float64(i)))
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	got := r.Last(10)
	if len(got) != 3 || got[0].Time != 60 || got[2].Time != 180 {
		t.Fatalf("Last(10) = %+v", got)
	}
	got = r.Last(2)
	if len(got) != 2 || got[0].Time != 120 || got[1].Time != 180 {
		t.Fatalf("Last(2) = %+v", got)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 7; i++ {
		r.Push(candleAt(i*60, float64(i)))
	}
	if r.Len() != 3 || r.Overwritten() != 4 {
		t.Fatalf("len=%d overwritten=%d", r.Len(), r.Overwritten())
	}
	got := r.Last(0)
	want := []int64{300, 360, 420}
	for i, c := range got {
		if c.Time != want[i] {
			t.Fatalf("Last = %+v, want times %v", got, want)
		}
	}
}

func TestRing_SameTimeReplaces(t *testing.T) {
	r := New(3)
	r.Push(candleAt(60, 1))
	r.Push(candleAt(60, 2))
	if r.Len() != 1 || r.Last(1)[0].Close != 2 {
		t.Fatalf("expected replacement, got %+v", r.Last(0))
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := New(64)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Push(candleAt(int64(w*10000+i+1), 1))
				_ = r.Last(10)
			}
		}(w)
	}
	wg.Wait()
	if r.Len() != 64 {
		t.Fatalf("len = %d, want 64", r.Len())
	}
}

func TestHistory_RunKeepsFinalOnly(t *testing.T) {
	h := NewHistory(10)
	ch := make(chan model.CandleEvent, 4)
	ch <- model.CandleEvent{Pair: "EURUSD", Candle: candleAt(60, 1), Final: true}
	ch <- model.CandleEvent{Pair: "EURUSD", Candle: candleAt(120, 2), Final: false}
	ch <- model.CandleEvent{Pair: "BTCUSD", Candle: candleAt(60, 3), Final: true}
	close(ch)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after input closed")
	}

	got, err := h.ReadCandles(context.Background(), "EURUSD", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Time != 60 {
		t.Fatalf("EURUSD history = %+v", got)
	}
	if got, _ := h.ReadCandles(context.Background(), "NONE", 5); len(got) != 0 {
		t.Fatalf("unknown pair history = %+v", got)
	}
}
