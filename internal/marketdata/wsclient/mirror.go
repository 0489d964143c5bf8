// Package wsclient is the client side of the market feed. Mirror connects to
// the engine's websocket, subscribes, and rebuilds every instrument's candle
// locally from price ticks with the same bucketing core the server uses. The
// server's candle_update stays authoritative: the local candle is compared to
// it, the difference is reported, and the server's value wins.
package wsclient

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"otc-engine/internal/marketdata/candle"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
	"otc-engine/internal/wire"
)

// Config holds connection settings for the mirror.
type Config struct {
	// URL of the engine websocket, e.g. "ws://localhost:8080/ws".
	URL string

	// Pairs limits the mirror to these instruments. Frames for any other pair
	// are ignored. Empty mirrors everything.
	Pairs []string

	// ResubscribeEvery is how often subscribe is re-sent while the server has
	// not answered with a snapshot. Defaults to 500ms.
	ResubscribeEvery time.Duration

	// ReconnectDelay is the initial backoff. Defaults to 1s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ResubscribeEvery <= 0 {
		c.ResubscribeEvery = 500 * time.Millisecond
	}
}

// divergenceEpsilon is the price difference below which local and remote
// candles are considered equal.
const divergenceEpsilon = 1e-9

// Mirror keeps a local copy of every instrument's forming candle.
type Mirror struct {
	cfg    Config
	only   map[string]bool // nil mirrors every pair
	synced atomic.Int64    // snapshots received, across connections

	mu       sync.RWMutex
	states   map[string]candle.State
	assets   []model.Instrument
	interval int64

	// Optional hooks
	OnConnect    func()
	OnReconnect  func()
	OnTick       func(t model.PriceTick)
	OnFinalize   func(pair string, c model.Candle)
	OnDivergence func(pair string, local, remote model.Candle)
	OnInvalid    func(kind string)
}

// New creates a mirror. It returns an error if the URL does not parse as ws or wss.
func New(cfg Config) (*Mirror, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("wsclient: url scheme must be ws or wss")
	}
	m := &Mirror{cfg: cfg, states: make(map[string]candle.State)}
	if len(cfg.Pairs) > 0 {
		m.only = make(map[string]bool, len(cfg.Pairs))
		for _, p := range cfg.Pairs {
			m.only[p] = true
		}
	}
	return m, nil
}

// Start connects and streams until ctx is cancelled, reconnecting with
// exponential backoff after every disconnect.
func (m *Mirror) Start(ctx context.Context) error {
	delay := m.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := m.runOnce(ctx)
		if err == nil {
			return nil
		}
		if connected {
			delay = m.cfg.ReconnectDelay
		}

		slog.Warn("feed disconnected", "component", "wsclient", "error", err, "retry_in", delay)
		if m.OnReconnect != nil {
			m.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.cfg.MaxReconnectDelay {
			delay = m.cfg.MaxReconnectDelay
		}
	}
}

// runOnce dials, subscribes and reads until the connection drops. It returns
// a nil error only when ctx was cancelled.
func (m *Mirror) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	slog.Info("feed connected", "component", "wsclient", "url", m.cfg.URL)
	if m.OnConnect != nil {
		m.OnConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	seen := m.synced.Load()
	if err := m.subscribe(conn); err != nil {
		return true, err
	}
	go m.resubscribe(conn, seen, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		m.handle(raw)
	}
}

func (m *Mirror) subscribe(conn *websocket.Conn) error {
	msgs := []wire.Inbound{wire.Subscribe{}}
	for _, p := range m.cfg.Pairs {
		msgs = append(msgs, wire.SubscribePair{Pair: p})
	}
	for _, msg := range msgs {
		raw, err := wire.EncodeInbound(msg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return err
		}
	}
	return nil
}

// resubscribe repeats the subscription until a snapshot arrives on this
// connection. The server ignores subscribe before it is ready, so the first
// attempt can be lost. It is the only writer after the initial subscribe.
func (m *Mirror) resubscribe(conn *websocket.Conn, seen int64, stop <-chan struct{}) {
	t := time.NewTicker(m.cfg.ResubscribeEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if m.synced.Load() != seen {
			return
		}
		if err := m.subscribe(conn); err != nil {
			return
		}
		slog.Debug("no snapshot yet, subscribed again", "component", "wsclient")
	}
}

func (m *Mirror) wants(pair string) bool {
	return m.only == nil || m.only[pair]
}

// handle applies one server frame to the local state.
func (m *Mirror) handle(raw []byte) {
	msg, err := wire.DecodeOutbound(raw)
	if err != nil {
		slog.Warn("dropping malformed frame", "component", "wsclient", "error", err)
		m.invalid("frame")
		return
	}

	switch v := msg.(type) {
	case wire.Assets:
		m.mu.Lock()
		m.assets = v.Instruments
		m.mu.Unlock()
	case wire.CurrentCandles:
		m.synced.Add(1)
		for pair, c := range v.Candles {
			if m.wants(pair) {
				m.reseed(pair, c, v.CandleInterval)
			}
		}
	case wire.CurrentCandle:
		m.synced.Add(1)
		if m.wants(v.Pair) {
			m.reseed(v.Pair, v.Candle, v.CandleInterval)
		}
	case wire.PriceTick:
		if m.wants(v.Pair) {
			m.applyTick(v.PriceTick)
		}
	case wire.CandleUpdate:
		if m.wants(v.Pair) {
			m.reconcile(v)
		}
	}
}

func (m *Mirror) reseed(pair string, c model.Candle, interval int) {
	if _, err := validate.Candle(c); err != nil || interval <= 0 {
		slog.Warn("dropping invalid snapshot candle", "component", "wsclient", "pair", pair, "error", err)
		m.invalid("candle")
		return
	}
	m.mu.Lock()
	m.interval = int64(interval)
	m.states[pair] = candle.State{Candle: c, StartTime: c.Time, Interval: int64(interval)}
	m.mu.Unlock()
}

func (m *Mirror) applyTick(t model.PriceTick) {
	if _, err := validate.Tick(t); err != nil {
		slog.Warn("dropping invalid tick", "component", "wsclient", "error", err)
		m.invalid("tick")
		return
	}

	m.mu.Lock()
	st, ok := m.states[t.Pair]
	if !ok {
		if m.interval == 0 {
			m.mu.Unlock()
			return
		}
		m.states[t.Pair] = candle.Seed(t.Price, t.Time, m.interval)
		m.mu.Unlock()
		m.tick(t)
		return
	}
	next, upd := candle.Apply(st, t)
	if _, err := validate.Candle(upd.Candle); err != nil {
		m.mu.Unlock()
		slog.Warn("local candle failed validation", "component", "wsclient", "pair", t.Pair, "error", err)
		m.invalid("candle")
		return
	}
	m.states[t.Pair] = next
	m.mu.Unlock()

	m.tick(t)
	if upd.Finalized != nil && m.OnFinalize != nil {
		m.OnFinalize(t.Pair, *upd.Finalized)
	}
}

// reconcile replaces the local candle with the server's and reports any
// difference between them.
func (m *Mirror) reconcile(u wire.CandleUpdate) {
	if _, err := validate.Candle(u.Candle); err != nil {
		slog.Warn("dropping invalid candle_update", "component", "wsclient", "pair", u.Pair, "error", err)
		m.invalid("candle")
		return
	}

	m.mu.Lock()
	st, had := m.states[u.Pair]
	interval := st.Interval
	if interval == 0 {
		interval = m.interval
	}
	if interval == 0 {
		m.mu.Unlock()
		return
	}
	m.states[u.Pair] = candle.State{Candle: u.Candle, StartTime: u.Candle.Time, Interval: interval}
	m.mu.Unlock()

	if had && diverged(st.Candle, u.Candle) {
		slog.Warn("candle diverged from server", "component", "wsclient", "pair", u.Pair,
			"local_close", st.Candle.Close, "remote_close", u.Candle.Close,
			"local_time", st.Candle.Time, "remote_time", u.Candle.Time)
		if m.OnDivergence != nil {
			m.OnDivergence(u.Pair, st.Candle, u.Candle)
		}
	}
}

func diverged(a, b model.Candle) bool {
	return a.Time != b.Time ||
		math.Abs(a.Open-b.Open) > divergenceEpsilon ||
		math.Abs(a.High-b.High) > divergenceEpsilon ||
		math.Abs(a.Low-b.Low) > divergenceEpsilon ||
		math.Abs(a.Close-b.Close) > divergenceEpsilon
}

func (m *Mirror) tick(t model.PriceTick) {
	if m.OnTick != nil {
		m.OnTick(t)
	}
}

func (m *Mirror) invalid(kind string) {
	if m.OnInvalid != nil {
		m.OnInvalid(kind)
	}
}

// Candle returns the mirrored forming candle for pair.
func (m *Mirror) Candle(pair string) (model.Candle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[pair]
	return st.Candle, ok
}

// Pairs returns the mirrored instruments, sorted.
func (m *Mirror) Pairs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.states))
	for p := range m.states {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Assets returns the instrument list from the last assets message.
func (m *Mirror) Assets() []model.Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Instrument(nil), m.assets...)
}

// Interval returns the candle interval announced by the server, or 0 before
// the first snapshot.
func (m *Mirror) Interval() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.interval)
}
