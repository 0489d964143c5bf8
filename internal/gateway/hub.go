// Package gateway is the subscriber-facing transport: a websocket hub that
// fans engine events out to every connected client, plus the REST surface.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"otc-engine/internal/logger"
	"otc-engine/internal/market"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
	"otc-engine/internal/wire"
)

const sendBufferSize = 256

// MarketView is the read side of the market registry the hub serves from.
type MarketView interface {
	IsReady() bool
	Instruments() []string
	Get(pair string) (market.MarketState, bool)
	Interval() int
}

// Hub tracks connected subscribers and fans messages out to them.
// Iteration happens over a snapshot so clients can join or be pruned while a
// broadcast is in flight.
type Hub struct {
	market  MarketView
	catalog model.Catalog

	mu      sync.RWMutex
	clients map[*Client]struct{}

	// Latency holds enqueue times of recent broadcasts in milliseconds.
	Latency *LatencyTracker

	// Optional hooks for metrics.
	OnClientCount func(n int)
	OnPrune       func()
	OnBroadcast   func(msgType string, d time.Duration)
	OnInvalid     func(kind string)
}

// NewHub creates a hub serving snapshots from m and asset lists from cat.
func NewHub(m MarketView, cat model.Catalog) *Hub {
	return &Hub{
		market:  m,
		catalog: cat,
		clients: make(map[*Client]struct{}),
		Latency: NewLatencyTracker(10000),
	}
}

// Register adopts an upgraded connection and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
		ctx:  logger.WithTraceID(context.Background(), uuid.NewString()),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.countChanged(count)

	slog.Info("ws client connected", append(logger.LogWithTrace(c.ctx), "component", "gateway", "clients", count)...)

	go c.writePump()
	go c.readPump()
	return c
}

// Broadcast encodes msg once and queues it on every client. A client whose
// queue is full is pruned; the call never blocks on a slow connection.
func (h *Hub) Broadcast(msg wire.Outbound) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	start := time.Now()
	for _, c := range h.snapshot() {
		if !c.enqueue(frame) {
			h.prune(c, "send buffer full")
		}
	}
	d := time.Since(start)

	if h.Latency != nil {
		h.Latency.Record(float64(d.Microseconds()) / 1000.0)
	}
	if h.OnBroadcast != nil {
		h.OnBroadcast(msg.Type(), d)
	}
	return nil
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// prune removes c after a send failure.
func (h *Hub) prune(c *Client, reason string) {
	if !h.remove(c) {
		return
	}
	slog.Warn("pruned ws client", append(logger.LogWithTrace(c.ctx), "component", "gateway", "reason", reason)...)
	if h.OnPrune != nil {
		h.OnPrune()
	}
}

// remove unregisters c and closes its queue. It reports whether c was registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.closeSend()
	h.countChanged(count)
	return true
}

func (h *Hub) countChanged(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

func (h *Hub) invalid(kind string) {
	if h.OnInvalid != nil {
		h.OnInvalid(kind)
	}
}

// handle dispatches one inbound frame. Malformed frames are logged and
// dropped without a reply.
func (h *Hub) handle(c *Client, raw []byte) {
	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		h.invalid("inbound")
		slog.Warn("ignoring inbound message", append(logger.LogWithTrace(c.ctx), "component", "gateway", "error", err)...)
		return
	}

	// Subscribers that arrive before warm-up get nothing and are expected to retry.
	if !h.market.IsReady() {
		return
	}

	switch m := msg.(type) {
	case wire.Subscribe:
		h.reply(c, wire.Assets{Instruments: h.catalog.ListAllInstruments()})
		h.reply(c, wire.CurrentCandles{Candles: h.currentCandles(), CandleInterval: h.market.Interval()})
	case wire.SubscribePair:
		if cd, ok := h.currentCandle(m.Pair); ok {
			h.reply(c, wire.CurrentCandle{Pair: m.Pair, Candle: cd, CandleInterval: h.market.Interval()})
		}
	}
}

func (h *Hub) reply(c *Client, msg wire.Outbound) {
	frame, err := wire.Encode(msg)
	if err != nil {
		slog.Error("encode reply", "component", "gateway", "type", msg.Type(), "error", err)
		return
	}
	if !c.enqueue(frame) {
		h.prune(c, "send buffer full")
	}
}

// currentCandles returns every instrument's in-progress candle that passes validation.
func (h *Hub) currentCandles() map[string]model.Candle {
	out := make(map[string]model.Candle)
	for _, pair := range h.market.Instruments() {
		if cd, ok := h.currentCandle(pair); ok {
			out[pair] = cd
		}
	}
	return out
}

func (h *Hub) currentCandle(pair string) (model.Candle, bool) {
	st, ok := h.market.Get(pair)
	if !ok {
		return model.Candle{}, false
	}
	cd, err := validate.Candle(st.CurrentCandle)
	if err != nil {
		h.invalid("candle")
		slog.Error("dropping invalid snapshot candle", "component", "gateway", "pair", pair, "error", err)
		return model.Candle{}, false
	}
	return cd, true
}
