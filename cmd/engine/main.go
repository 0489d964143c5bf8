package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"otc-engine/config"
	"otc-engine/internal/api"
	"otc-engine/internal/catalog"
	"otc-engine/internal/engine"
	"otc-engine/internal/gateway"
	"otc-engine/internal/logger"
	"otc-engine/internal/market"
	"otc-engine/internal/marketdata/bus"
	"otc-engine/internal/marketdata/replay"
	"otc-engine/internal/metrics"
	"otc-engine/internal/model"
	"otc-engine/internal/notification"
	"otc-engine/internal/ringbuf"
	redisstore "otc-engine/internal/store/redis"
	sqlitestore "otc-engine/internal/store/sqlite"
)

func main() {
	cfg := config.Load()
	logger.Init("otc-engine", logger.Options{
		Level:      logger.ParseLevel(cfg.LogLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting", "candle_interval", cfg.CandleIntervalSec, "tick_interval", cfg.TickInterval,
		"workers", cfg.Workers)

	// ---- Metrics & health ----
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(promReg)
	health := metrics.NewHealthStatus()
	health.StaleAfter = 5 * cfg.TickInterval
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, promReg)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Catalog ----
	cat, vol, err := catalog.Load(cfg.MarketsFile)
	if err != nil {
		slog.Error("catalog load failed", "path", cfg.MarketsFile, "error", err)
		os.Exit(1)
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.LogNotifier{}}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "otc-engine"))
	}
	alerts := notification.Throttle(notifiers, 5*time.Minute)

	// ---- Candle sinks (off the tick path) ----
	candleCh := make(chan model.CandleEvent, 5000)
	fanout := bus.New(5000)
	fanout.OnDrop = func(idx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(idx)).Inc()
	}

	var sinksDone []<-chan struct{}
	history := ringbuf.NewHistory(cfg.HistoryLimit)
	sinksDone = append(sinksDone, fanout.Attach(context.Background(), history))

	var readers api.History
	var sqlWriter *sqlitestore.Writer
	var sqlReader *sqlitestore.Reader
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			slog.Error("sqlite init failed", "error", err)
			os.Exit(1)
		}
		sqlWriter.OnCommit = func(d time.Duration, _ int) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
		health.EnableSQLite()
		health.CheckSQLite(ctx, sqlWriter.DB())
		sinksDone = append(sinksDone, fanout.Attach(context.Background(), sqlWriter))

		sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath, cfg.CandleIntervalSec)
		if err != nil {
			slog.Error("sqlite reader init failed", "error", err)
			os.Exit(1)
		}
		defer sqlReader.Close()
		readers = append(readers, sqlReader)
	}

	var redisWriter *redisstore.Writer
	if cfg.RedisAddr != "" {
		redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Interval: cfg.CandleIntervalSec,
		})
		if err != nil {
			slog.Warn("redis init failed, continuing without redis", "error", err)
		} else {
			redisWriter.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
			redisWriter.Breaker().OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				switch {
				case to == redisstore.StateOpen:
					prom.RedisCircuitBreakerTrips.Inc()
					notification.Go(alerts, notification.Alert{
						Level:   notification.AlertCritical,
						Title:   "redis circuit open",
						Message: "redis writes are failing; finalized candles are being buffered",
					}, 10*time.Second)
				case to == redisstore.StateClosed && from != redisstore.StateClosed:
					notification.Go(alerts, notification.Alert{
						Level:   notification.AlertInfo,
						Title:   "redis circuit closed",
						Message: "redis writes recovered",
					}, 10*time.Second)
				}
			}
			health.EnableRedis()
			health.CheckRedis(ctx, redisWriter.Client())
			sinksDone = append(sinksDone, fanout.Attach(context.Background(), redisWriter))
			readers = append(readers, redisWriter)
		}
	}
	readers = append(readers, history)

	// ---- Market state ----
	ids := make([]string, 0, len(cat.Active()))
	for _, inst := range cat.Active() {
		ids = append(ids, inst.ID)
	}
	var restored map[string]replay.Result
	if sqlReader != nil {
		restored, err = replay.Restore(ctx, sqlReader, ids, cfg.HistoryLimit, history)
		if err != nil {
			slog.Warn("history restore failed", "error", err)
		}
	}

	reg := market.NewRegistry(cfg.CandleIntervalSec, nil)
	for _, inst := range cat.Active() {
		start := inst.BasePrice.InexactFloat64()
		if r, ok := restored[inst.ID]; ok && cfg.ResumePrices && r.LastClose > 0 {
			start = r.LastClose
		}
		if err := reg.Initialize(inst.ID, start); err != nil {
			slog.Error("skipping instrument", "pair", inst.ID, "start_price", start, "error", err)
		}
	}
	health.SetInstruments(len(reg.Instruments()))

	go fanout.Run(context.Background(), candleCh)
	go reportSaturation(ctx, fanout, candleCh, prom)

	var rdb *goredis.Client
	if redisWriter != nil {
		rdb = redisWriter.Client()
	}
	var sqlDB *sql.DB
	if sqlWriter != nil {
		sqlDB = sqlWriter.DB()
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Websocket hub & HTTP ----
	hub := gateway.NewHub(reg, cat)
	hub.OnClientCount = func(n int) { prom.Subscribers.Set(float64(n)) }
	hub.OnPrune = func() { prom.PrunedClients.Inc() }
	hub.OnBroadcast = func(msgType string, d time.Duration) {
		prom.BroadcastDur.Observe(d.Seconds())
		prom.MessagesSent.WithLabelValues(msgType).Inc()
	}
	hub.OnInvalid = func(kind string) { prom.InvalidDropped.WithLabelValues(kind).Inc() }

	gw := &gateway.API{
		Hub:        hub,
		Market:     reg,
		Catalog:    cat,
		History:    readers,
		Reset:      reg,
		TOTPSecret: cfg.AdminTOTPSecret,
	}
	if cfg.AdminTOTPSecret == "" {
		slog.Info("admin reset disabled (ADMIN_TOTP_SECRET not set)")
	}
	httpSrv := &http.Server{
		Addr:              cfg.EngineAddr,
		Handler:           api.NewRouter(gw),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http listening", "addr", cfg.EngineAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	// ---- Engine ----
	eng := engine.New(engine.Config{
		TickInterval: cfg.TickInterval,
		Workers:      cfg.Workers,
		Volatility:   vol,
	}, reg, market.NewGenerator(reg, nil), cat, hub, candleCh)
	eng.OnTick = func(string) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	eng.OnFinalize = func(string, model.Candle) { prom.CandlesFinalized.Inc() }
	eng.OnError = func(pair, kind string, err error) {
		prom.InstrumentErrors.WithLabelValues(kind).Inc()
		if kind != engine.KindBroadcast {
			notification.Go(alerts, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "instrument skipped: " + pair,
				Message: kind + ": " + err.Error(),
			}, 10*time.Second)
		}
	}
	eng.OnSinkDrop = func(model.CandleEvent) { prom.FanoutDropsTotal.WithLabelValues("engine").Inc() }
	eng.OnPublish = func(d time.Duration) { prom.FanoutLatency.Observe(d.Seconds()) }
	eng.OnRound = func(d time.Duration, _ int) { prom.TickLoopDur.Observe(d.Seconds()) }

	reg.MarkReady()
	health.SetReady(reg.IsReady())
	eng.Start(ctx)
	slog.Info("engine ready", "instruments", reg.Instruments(), "http", cfg.EngineAddr, "metrics", cfg.MetricsAddr)

	// ---- Wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	health.SetReady(false)
	eng.Stop()
	close(candleCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, done := range sinksDone {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			slog.Warn("sink did not drain before timeout")
		}
	}

	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	cancel()

	if sqlWriter != nil {
		sqlWriter.Close()
	}
	if redisWriter != nil {
		if n := redisWriter.PendingCount(); n > 0 {
			slog.Warn("redis candles not delivered", "pending", n)
		}
		redisWriter.Close()
	}
	slog.Info("shutdown complete")
}

func reportSaturation(ctx context.Context, fanout *bus.FanOut, input chan model.CandleEvent, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prom.ChannelSaturationPct.WithLabelValues("engine").Set(float64(len(input)) / float64(cap(input)) * 100)
			for i, s := range fanout.ChannelStats() {
				if s.Cap > 0 {
					pct := float64(s.Len) / float64(s.Cap) * 100
					prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
				}
			}
		}
	}
}
