package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market engine and its mirror.
type Metrics struct {
	TicksTotal       prometheus.Counter
	CandlesFinalized prometheus.Counter
	TickLoopDur      prometheus.Histogram
	InstrumentErrors *prometheus.CounterVec // labels: kind=unknown|invalid_tick|consistency

	// Validation drops at the transport boundary, both directions.
	InvalidDropped *prometheus.CounterVec // labels: kind=tick|candle|inbound

	// Fan-out to websocket subscribers
	Subscribers   prometheus.Gauge
	PrunedClients prometheus.Counter
	BroadcastDur  prometheus.Histogram
	FanoutLatency prometheus.Histogram   // tick generation to enqueue on every client
	MessagesSent  *prometheus.CounterVec // labels: type

	// Sink backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Stores
	RedisWriteDur            prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Client mirror
	MirrorReconnects prometheus.Counter
	MirrorDivergence prometheus.Counter
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_ticks_total",
			Help: "Total price ticks generated",
		}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_candles_finalized_total",
			Help: "Total candles closed by rollover",
		}),
		TickLoopDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_tick_loop_duration_seconds",
			Help:    "Time to process one round over all instruments",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		InstrumentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_instrument_errors_total",
			Help: "Per-instrument tick failures by kind",
		}, []string{"kind"}),
		InvalidDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_invalid_dropped_total",
			Help: "Values dropped by validation before crossing the transport boundary",
		}, []string{"kind"}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otc_ws_subscribers",
			Help: "Currently connected websocket subscribers",
		}),
		PrunedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_ws_pruned_clients_total",
			Help: "Subscribers removed after a full send buffer or write error",
		}),
		BroadcastDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_broadcast_duration_seconds",
			Help:    "Time to enqueue one message on every subscriber",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01},
		}),
		FanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_fanout_latency_seconds",
			Help:    "Latency from tick generation to enqueue on subscribers",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_ws_messages_total",
			Help: "Messages broadcast by type",
		}, []string{"type"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_sink_drops_total",
			Help: "Candle events dropped per sink subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otc_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_redis_write_duration_seconds",
			Help:    "Redis pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otc_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		MirrorReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_mirror_reconnects_total",
			Help: "Client mirror reconnection attempts",
		}),
		MirrorDivergence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otc_mirror_divergence_total",
			Help: "candle_update messages that disagreed with the locally rebuilt candle",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.CandlesFinalized,
		m.TickLoopDur,
		m.InstrumentErrors,
		m.InvalidDropped,
		m.Subscribers,
		m.PrunedClients,
		m.BroadcastDur,
		m.FanoutLatency,
		m.MessagesSent,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.MirrorReconnects,
		m.MirrorDivergence,
	)

	return m
}

// HealthStatus represents the engine's health.
type HealthStatus struct {
	mu sync.RWMutex

	Ready          bool      `json:"ready"`
	LastTickTime   time.Time `json:"last_tick_time"`
	Instruments    int       `json:"instruments"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteEnabled  bool      `json:"sqlite_enabled"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// StaleAfter marks the engine degraded when no tick was seen for this long.
	StaleAfter time.Duration `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		StaleAfter: 5 * time.Second,
	}
}

func (h *HealthStatus) SetReady(v bool) {
	h.mu.Lock()
	h.Ready = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstruments(n int) {
	h.mu.Lock()
	h.Instruments = n
	h.mu.Unlock()
}

// EnableRedis marks Redis as a configured dependency.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.mu.Unlock()
}

// EnableSQLite marks SQLite as a configured dependency.
func (h *HealthStatus) EnableSQLite() {
	h.mu.Lock()
	h.SQLiteEnabled = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Status summarises health as healthy, degraded or unhealthy.
func (h *HealthStatus) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked(time.Now())
}

func (h *HealthStatus) statusLocked(now time.Time) string {
	if !h.Ready || h.Instruments == 0 {
		return "unhealthy"
	}
	if h.LastTickTime.IsZero() || now.Sub(h.LastTickTime) > h.StaleAfter {
		return "degraded"
	}
	if (h.RedisEnabled && !h.RedisConnected) || (h.SQLiteEnabled && !h.SQLiteOK) {
		return "degraded"
	}
	return "healthy"
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	overallStatus := h.statusLocked(now)
	httpCode := http.StatusOK
	if overallStatus != "healthy" {
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Ready           bool    `json:"ready"`
		Instruments     int     `json:"instruments"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		Ready:           h.Ready,
		Instruments:     h.Instruments,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server that exposes gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "component", "metrics", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "component", "metrics", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
