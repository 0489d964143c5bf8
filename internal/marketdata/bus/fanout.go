// Package bus distributes candle events from the engine to persistence sinks.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"otc-engine/internal/model"
)

// FanOut copies every event from one input channel to N subscriber channels.
// A full subscriber channel drops the event for that subscriber only, so a
// slow sink never stalls the tick loop.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.CandleEvent
	bufSize int

	// OnDrop is called when an event is dropped for subscriber idx.
	OnDrop func(idx int)
}

// New creates a FanOut whose subscriber channels hold bufSize events.
func New(bufSize int) *FanOut {
	return &FanOut{bufSize: bufSize}
}

// Subscribe adds a subscriber. Call before Run.
func (f *FanOut) Subscribe() <-chan model.CandleEvent {
	ch := make(chan model.CandleEvent, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Attach subscribes sink and runs it in its own goroutine. The returned
// channel is closed once sink.Run has returned.
func (f *FanOut) Attach(ctx context.Context, sink model.CandleSink) <-chan struct{} {
	ch := f.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx, ch)
	}()
	return done
}

// Run forwards events until ctx is cancelled or input is closed, then closes
// every subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.CandleEvent) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						slog.Warn("sink channel full, dropping candle", "component", "bus", "subscriber", i, "pair", ev.Pair, "time", ev.Candle.Time)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns the fill level of each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
