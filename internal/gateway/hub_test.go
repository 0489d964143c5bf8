package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"otc-engine/internal/catalog"
	"otc-engine/internal/market"
	"otc-engine/internal/model"
	"otc-engine/internal/wire"
)

type testEnv struct {
	reg *market.Registry
	hub *Hub
	api *API
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := catalog.New(catalog.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	reg := market.NewRegistry(60, nil)
	hub := NewHub(reg, cat)
	api := &API{Hub: hub, Market: reg, Catalog: cat, Reset: reg}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &testEnv{reg: reg, hub: hub, api: api, srv: srv}
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	for _, inst := range catalog.Defaults() {
		if err := e.reg.Initialize(inst.ID, inst.BasePrice.InexactFloat64()); err != nil {
			t.Fatal(err)
		}
	}
	e.reg.MarkReady()
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return e.hub.ClientCount() > 0 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatal(err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) wire.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.DecodeOutbound(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

// expectSilence asserts nothing arrives within d.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", raw)
	}
}

func TestSubscribe_NotReadySendsNothing(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, `{"type":"subscribe"}`)
	send(t, conn, `{"type":"subscribe_pair","pair":"EURUSD"}`)
	expectSilence(t, conn, 300*time.Millisecond)
}

func TestSubscribe_InstrumentsButNoReadySignal(t *testing.T) {
	env := newTestEnv(t)
	_ = env.reg.Initialize("EURUSD", 1.0850)
	conn := env.dial(t)

	send(t, conn, `{"type":"subscribe"}`)
	expectSilence(t, conn, 300*time.Millisecond)
}

func TestSubscribe_SendsAssetsThenCandles(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	conn := env.dial(t)

	send(t, conn, `{"type":"subscribe"}`)

	assets, ok := recv(t, conn).(wire.Assets)
	if !ok {
		t.Fatal("first reply should be assets")
	}
	if len(assets.Instruments) != 7 {
		t.Fatalf("assets = %d instruments, want 7", len(assets.Instruments))
	}

	cc, ok := recv(t, conn).(wire.CurrentCandles)
	if !ok {
		t.Fatal("second reply should be current_candles")
	}
	if cc.CandleInterval != 60 || len(cc.Candles) != 7 {
		t.Fatalf("current_candles = %+v", cc)
	}
	if c := cc.Candles["EURUSD"]; c.Open != 1.085 || c.Close != 1.085 {
		t.Fatalf("EURUSD candle = %+v", c)
	}
}

func TestSubscribePair(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	conn := env.dial(t)

	send(t, conn, `{"type":"subscribe_pair","pair":"BTCUSD"}`)
	cc, ok := recv(t, conn).(wire.CurrentCandle)
	if !ok {
		t.Fatal("expected current_candle")
	}
	if cc.Pair != "BTCUSD" || cc.Candle.Open != 43256.5 || cc.CandleInterval != 60 {
		t.Fatalf("current_candle = %+v", cc)
	}

	// Unknown instruments get no reply.
	send(t, conn, `{"type":"subscribe_pair","pair":"XAUUSD"}`)
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestMalformedInboundKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	var (
		mu      sync.Mutex
		invalid []string
	)
	env.hub.OnInvalid = func(kind string) {
		mu.Lock()
		invalid = append(invalid, kind)
		mu.Unlock()
	}
	conn := env.dial(t)

	send(t, conn, `not json`)
	send(t, conn, `{"type":"unsubscribe"}`)
	send(t, conn, `{"type":"subscribe_pair","pair":"ETHUSD"}`)

	if _, ok := recv(t, conn).(wire.CurrentCandle); !ok {
		t.Fatal("connection should still serve after malformed frames")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(invalid) != 2 || invalid[0] != "inbound" {
		t.Fatalf("invalid hook calls = %v", invalid)
	}
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	c1 := env.dial(t)
	c2 := env.dial(t)
	waitFor(t, func() bool { return env.hub.ClientCount() == 2 })

	tick := model.PriceTick{Pair: "EURUSD", Time: 1_700_000_001, Price: 1.0851}
	if err := env.hub.Broadcast(wire.PriceTick{PriceTick: tick}); err != nil {
		t.Fatal(err)
	}
	for i, c := range []*websocket.Conn{c1, c2} {
		got, ok := recv(t, c).(wire.PriceTick)
		if !ok || got.PriceTick != tick {
			t.Fatalf("client %d got %+v", i, got)
		}
	}
	if env.hub.Latency.Summary().Count != 1 {
		t.Fatal("broadcast latency not recorded")
	}
}

func TestBroadcast_PrunesFullClient(t *testing.T) {
	hub := NewHub(market.NewRegistry(60, nil), &staticCatalog{})
	pruned := 0
	hub.OnPrune = func() { pruned++ }

	slow := &Client{send: make(chan []byte, 1), hub: hub, ctx: context.Background()}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	msg := wire.CandleUpdate{Pair: "EURUSD", Candle: model.Candle{Time: 1, Open: 1, High: 1, Low: 1, Close: 1}}
	hub.Broadcast(msg)
	if hub.ClientCount() != 1 {
		t.Fatal("client should survive while its buffer has room")
	}
	hub.Broadcast(msg)
	if hub.ClientCount() != 0 || pruned != 1 {
		t.Fatalf("clients = %d pruned = %d, want 0 and 1", hub.ClientCount(), pruned)
	}
	// Further broadcasts must not touch the closed queue.
	hub.Broadcast(msg)
	if slow.enqueue([]byte("x")) {
		t.Fatal("enqueue on a pruned client should fail")
	}
}

func TestCloseAll_DisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	env.hub.CloseAll()
	if env.hub.ClientCount() != 0 {
		t.Fatalf("clients = %d after CloseAll", env.hub.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	conn.Close()
	waitFor(t, func() bool { return env.hub.ClientCount() == 0 })
}

type staticCatalog struct{ list []model.Instrument }

func (s *staticCatalog) ListAllInstruments() []model.Instrument { return s.list }
