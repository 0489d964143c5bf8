package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"otc-engine/internal/catalog"
	"otc-engine/internal/market"
	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

const (
	defaultCandleLimit = 100
	maxCandleLimit     = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// InstrumentLookup is the catalog as the REST layer needs it.
type InstrumentLookup interface {
	model.Catalog
	Lookup(id string) (model.Instrument, bool)
}

// Resetter re-seeds an instrument's simulation at a new price.
type Resetter interface {
	Initialize(pair string, startPrice float64) error
}

// API serves the websocket endpoint and the REST surface.
type API struct {
	Hub     *Hub
	Market  MarketView
	Catalog InstrumentLookup
	History model.CandleReader // optional
	Reset   Resetter           // optional

	// TOTPSecret enables POST /api/admin/reset when set.
	TOTPSecret string
	Started    time.Time

	sys sysSampler
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// RegisterRoutes registers every endpoint on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	if a.Started.IsZero() {
		a.Started = time.Now()
	}
	mux.HandleFunc("/ws", a.handleWS)
	mux.HandleFunc("/api/assets", a.handleAssets)
	mux.HandleFunc("/api/candles", a.handleCandles)
	mux.HandleFunc("/api/price/", a.handlePrice)
	mux.HandleFunc("/api/metrics", a.handleMetrics)
	mux.HandleFunc("/api/admin/reset", a.handleReset)
	mux.HandleFunc("/health", a.handleHealth)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "component", "gateway", "error", err)
		return
	}
	a.Hub.Register(conn)
}

func (a *API) handleAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Catalog.ListAllInstruments())
}

type candlesResponse struct {
	Pair           string         `json:"pair"`
	CandleInterval int            `json:"candleInterval"`
	Candles        []model.Candle `json:"candles"`
	Forming        *model.Candle  `json:"forming,omitempty"`
}

// handleCandles serves GET /api/candles?pair=EURUSD&limit=100: the newest
// finalized candles, oldest first, plus the one still forming.
func (a *API) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pair := q.Get("pair")
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	st, ok := a.Market.Get(pair)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pair")
		return
	}

	limit := defaultCandleLimit
	if s := q.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	resp := candlesResponse{Pair: pair, CandleInterval: a.Market.Interval(), Candles: []model.Candle{}}
	if a.History != nil {
		hist, err := a.History.ReadCandles(r.Context(), pair, limit)
		if err != nil {
			slog.Warn("history read failed", "component", "gateway", "pair", pair, "error", err)
		}
		for _, c := range hist {
			if _, err := validate.Candle(c); err != nil {
				continue
			}
			resp.Candles = append(resp.Candles, c)
		}
	}
	if c, err := validate.Candle(st.CurrentCandle); err == nil {
		resp.Forming = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePrice serves GET /api/price/{pair}.
func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	pair := strings.TrimPrefix(r.URL.Path, "/api/price/")
	if pair == "" || strings.Contains(pair, "/") {
		writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	st, ok := a.Market.Get(pair)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pair")
		return
	}
	inst, ok := a.Catalog.Lookup(pair)
	if !ok {
		inst = model.Instrument{ID: pair, Precision: 5}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pair":      pair,
		"price":     st.CurrentPrice,
		"display":   catalog.Round(inst, st.CurrentPrice).StringFixed(inst.Precision),
		"precision": inst.Precision,
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := a.sys.collect(a.Started)
	m.Clients = a.Hub.ClientCount()
	if a.Hub.Latency != nil {
		m.Broadcast = a.Hub.Latency.Summary()
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := a.Market.IsReady()
	status, code := "ok", http.StatusOK
	if !ready {
		status, code = "starting", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"ready":       ready,
		"instruments": len(a.Market.Instruments()),
		"ws_clients":  a.Hub.ClientCount(),
		"uptime_sec":  int64(time.Since(a.Started).Seconds()),
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type resetRequest struct {
	Pair  string  `json:"pair"`
	Price float64 `json:"price"` // 0 means the catalog base price
	Code  string  `json:"code"`  // current TOTP code
}

// handleReset serves POST /api/admin/reset. It is disabled unless a TOTP
// secret is configured.
func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		SetCORS(w)
		return
	}
	if a.TOTPSecret == "" || a.Reset == nil {
		writeError(w, http.StatusNotFound, "admin reset disabled")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req resetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !totp.Validate(req.Code, a.TOTPSecret) {
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}
	inst, ok := a.Catalog.Lookup(req.Pair)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown pair")
		return
	}
	price := req.Price
	if price == 0 {
		price = inst.BasePrice.InexactFloat64()
	}

	if err := a.Reset.Initialize(inst.ID, price); err != nil {
		if errors.Is(err, market.ErrInvalidStartPrice) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("instrument reset", "component", "gateway", "pair", inst.ID, "price", price)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pair": inst.ID, "price": price})
}
