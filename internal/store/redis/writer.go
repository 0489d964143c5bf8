// Package redis publishes engine candles to Redis and reads recent history
// back from the per-instrument streams.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"otc-engine/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultMaxBuffer = 10000
	streamWindowSec  = 24 * 60 * 60 // keep ~1 day of finalized candles per stream
	minStreamLen     = 200
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	Interval    int           // candle interval in seconds, used in key names
	MaxFailures int           // breaker threshold, default 5
	Cooldown    time.Duration // breaker cool-down, default 10s
	MaxBuffer   int           // finalized candles kept while the breaker is open
}

// LatestKey holds the newest candle (forming or final) for pair.
func LatestKey(interval int, pair string) string {
	return "candle:" + strconv.Itoa(interval) + "s:latest:" + pair
}

// StreamKey is the stream of finalized candles for pair.
func StreamKey(interval int, pair string) string {
	return "candle:" + strconv.Itoa(interval) + "s:" + pair
}

// PubSubChannel carries every candle update for pair.
func PubSubChannel(interval int, pair string) string {
	return "pub:candle:" + strconv.Itoa(interval) + "s:" + pair
}

// Writer pipelines candle events to Redis through a circuit breaker.
// Finalized candles that arrive while the breaker is open are buffered and
// replayed once a write succeeds again; forming candles are dropped since the
// next update supersedes them.
type Writer struct {
	client   *goredis.Client
	cb       *CircuitBreaker
	interval int
	maxLen   int64
	exec     func(ctx context.Context, ev model.CandleEvent) error

	mu      sync.Mutex
	pending []model.CandleEvent
	maxBuf  int

	// OnWrite is called with the duration of every successful pipeline.
	OnWrite func(d time.Duration)
	// OnBuffer is called when a finalized candle is held back by the breaker.
	OnBuffer func()
}

// New connects to Redis and pings it.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("connected", "component", "redis", "addr", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg WriterConfig) *Writer {
	if cfg.Interval <= 0 {
		cfg.Interval = 60
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	maxLen := int64(streamWindowSec / cfg.Interval)
	if maxLen < minStreamLen {
		maxLen = minStreamLen
	}
	w := &Writer{
		client:   client,
		cb:       NewCircuitBreaker(cfg.MaxFailures, cfg.Cooldown),
		interval: cfg.Interval,
		maxLen:   maxLen,
		maxBuf:   cfg.MaxBuffer,
	}
	w.exec = w.pipeline
	return w
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Breaker exposes the circuit breaker so callers can observe transitions.
func (w *Writer) Breaker() *CircuitBreaker { return w.cb }

// Run writes events from ch until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.Write(ctx, ev)
		}
	}
}

// Write sends one event. Errors are logged; the breaker decides whether the
// next call reaches Redis at all. A finalized candle never overtakes older
// buffered ones: it is queued behind them and the queue is replayed in order.
func (w *Writer) Write(ctx context.Context, ev model.CandleEvent) {
	if ev.Final && w.PendingCount() > 0 {
		w.buffer(ev)
		w.flush(ctx)
		return
	}
	err := w.cb.Execute(func() error { return w.exec(ctx, ev) })
	switch {
	case err == ErrCircuitOpen:
		if ev.Final {
			w.buffer(ev)
		}
	case err != nil:
		slog.Warn("pipeline failed", "component", "redis", "pair", ev.Pair, "error", err)
		if ev.Final {
			w.buffer(ev)
		}
	default:
		w.flush(ctx)
	}
}

// pipeline issues SET latest, XADD (final only) and PUBLISH in one round trip.
func (w *Writer) pipeline(ctx context.Context, ev model.CandleEvent) error {
	payload, err := json.Marshal(ev.Candle)
	if err != nil {
		return err
	}
	data := string(payload)

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(w.interval, ev.Pair), data, defaultLatestTTL)
	if ev.Final {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: StreamKey(w.interval, ev.Pair),
			MaxLen: w.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
	}
	pipe.Publish(ctx, PubSubChannel(w.interval, ev.Pair), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
	return nil
}

func (w *Writer) buffer(ev model.CandleEvent) {
	w.mu.Lock()
	if len(w.pending) >= w.maxBuf {
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	if w.OnBuffer != nil {
		w.OnBuffer()
	}
}

// flush replays buffered finalized candles in arrival order. It stops at the
// first failure and keeps the remainder.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	todo := w.pending
	w.pending = nil
	w.mu.Unlock()

	for i, ev := range todo {
		if err := w.cb.Execute(func() error { return w.exec(ctx, ev) }); err != nil {
			w.mu.Lock()
			w.pending = append(todo[i:len(todo):len(todo)], w.pending...)
			if over := len(w.pending) - w.maxBuf; over > 0 {
				w.pending = w.pending[over:]
			}
			w.mu.Unlock()
			if err != ErrCircuitOpen {
				slog.Warn("replay interrupted", "component", "redis", "remaining", len(todo)-i, "error", err)
			}
			return
		}
	}
	slog.Info("replayed buffered candles", "component", "redis", "count", len(todo))
}

// PendingCount returns the number of finalized candles waiting for replay.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ReadCandles returns up to limit of pair's newest finalized candles from its
// stream, oldest first.
func (w *Writer) ReadCandles(ctx context.Context, pair string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := w.client.XRevRangeN(ctx, StreamKey(w.interval, pair), "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", pair, err)
	}
	out := make([]model.Candle, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var c model.Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			slog.Warn("skipping undecodable stream entry", "component", "redis", "id", msgs[i].ID, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
