// Package api assembles the engine's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"otc-engine/internal/gateway"
)

// NewRouter registers the websocket and REST routes of gw and wraps them with
// request logging and panic recovery.
func NewRouter(gw *gateway.API) http.Handler {
	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	return withRecovery(withLogging(mux))
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("handler panic", "component", "api", "path", r.URL.Path, "panic", v)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withLogging logs REST requests at debug. The websocket upgrade is skipped
// since its handler owns the connection for its whole life.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "component", "api", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start))
	})
}
