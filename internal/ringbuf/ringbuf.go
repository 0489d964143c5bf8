// Package ringbuf keeps the most recent finalized candles per instrument in
// memory. It backs the "last N candles" history when no store is configured.
package ringbuf

import (
	"context"
	"sync"

	"otc-engine/internal/model"
)

// Ring is a fixed-capacity candle buffer that overwrites the oldest entry
// when full. Safe for concurrent use.
type Ring struct {
	mu   sync.RWMutex
	buf  []model.Candle
	head int // next write position
	n    int

	overwritten uint64
}

// New creates a ring. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends c, evicting the oldest candle when the ring is full.
// A candle with the same Time as the newest entry replaces it.
func (r *Ring) Push(c model.Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n > 0 {
		last := (r.head - 1 + len(r.buf)) % len(r.buf)
		if r.buf[last].Time == c.Time {
			r.buf[last] = c
			return
		}
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.overwritten++
	}
}

// Last returns up to n of the newest candles, oldest first.
func (r *Ring) Last(n int) []model.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]model.Candle, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of candles held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overwritten returns how many candles were evicted to make room.
func (r *Ring) Overwritten() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overwritten
}

// History is a set of rings, one per instrument.
type History struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*Ring
}

// NewHistory creates an empty history keeping capacity candles per instrument.
func NewHistory(capacity int) *History {
	return &History{capacity: capacity, rings: make(map[string]*Ring)}
}

// Add records a finalized candle for pair.
func (h *History) Add(pair string, c model.Candle) {
	h.mu.RLock()
	r, ok := h.rings[pair]
	h.mu.RUnlock()
	if !ok {
		h.mu.Lock()
		if r, ok = h.rings[pair]; !ok {
			r = New(h.capacity)
			h.rings[pair] = r
		}
		h.mu.Unlock()
	}
	r.Push(c)
}

// ReadCandles returns up to limit of pair's newest candles, oldest first.
func (h *History) ReadCandles(_ context.Context, pair string, limit int) ([]model.Candle, error) {
	h.mu.RLock()
	r, ok := h.rings[pair]
	h.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.Last(limit), nil
}

// Run records every final event from ch until ctx is done or ch is closed.
func (h *History) Run(ctx context.Context, ch <-chan model.CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Final {
				h.Add(ev.Pair, ev.Candle)
			}
		}
	}
}

// Close is a no-op; History holds no external resources.
func (h *History) Close() error { return nil }
