// Command feedwatch mirrors the engine's websocket feed, rebuilds every
// candle locally from the price ticks and reports any disagreement with the
// candles the server publishes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"otc-engine/config"
	"otc-engine/internal/logger"
	"otc-engine/internal/marketdata/wsclient"
	"otc-engine/internal/metrics"
	"otc-engine/internal/model"
	"otc-engine/internal/notification"
)

func main() {
	cfg := config.Load()
	logger.Init("feedwatch", logger.Options{Level: logger.ParseLevel(cfg.LogLevel), File: cfg.LogFile})

	promReg := prometheus.NewRegistry()
	prom := metrics.New(promReg)
	health := metrics.NewHealthStatus()
	health.StaleAfter = 10 * time.Second
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, promReg)
	metricsSrv.Start()

	var pairs []string
	for _, p := range strings.Split(cfg.FeedPairs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, p)
		}
	}

	mirror, err := wsclient.New(wsclient.Config{URL: cfg.FeedURL, Pairs: pairs})
	if err != nil {
		slog.Error("invalid feed url", "url", cfg.FeedURL, "error", err)
		os.Exit(1)
	}
	mirror.OnConnect = func() { health.SetReady(true) }
	mirror.OnReconnect = func() {
		health.SetReady(false)
		prom.MirrorReconnects.Inc()
	}
	mirror.OnTick = func(model.PriceTick) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
		health.SetInstruments(len(mirror.Pairs()))
	}
	mirror.OnFinalize = func(pair string, c model.Candle) {
		prom.CandlesFinalized.Inc()
		slog.Info("candle closed", "pair", pair, "time", c.Time,
			"open", c.Open, "high", c.High, "low", c.Low, "close", c.Close)
	}
	notifiers := notification.Multi{notification.LogNotifier{}}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "feedwatch"))
	}
	alerts := notification.Throttle(notifiers, 5*time.Minute)

	mirror.OnDivergence = func(pair string, local, remote model.Candle) {
		prom.MirrorDivergence.Inc()
		notification.Go(alerts, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "candle divergence: " + pair,
			Message: fmt.Sprintf("local close %v, server close %v at %d", local.Close, remote.Close, remote.Time),
		}, 10*time.Second)
	}
	mirror.OnInvalid = func(kind string) { prom.InvalidDropped.WithLabelValues(kind).Inc() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Start(ctx)
	}()
	slog.Info("watching feed", "url", cfg.FeedURL, "pairs", pairs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	for _, pair := range mirror.Pairs() {
		if c, ok := mirror.Candle(pair); ok {
			slog.Info("last candle", "pair", pair, "time", c.Time, "close", c.Close)
		}
	}
}
