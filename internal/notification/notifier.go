// Package notification delivers operational alerts (breaker trips, failing
// instruments, feed divergence) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, alert.Title, "component", "notify", "message", alert.Message)
	return nil
}

// Multi sends every alert to each backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled suppresses repeats of an alert title within Every.
type Throttled struct {
	Next  Notifier
	Every time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// Throttle wraps n so each title is delivered at most once per every.
func Throttle(n Notifier, every time.Duration) *Throttled {
	return &Throttled{Next: n, Every: every, last: make(map[string]time.Time), now: time.Now}
}

// Send forwards alert unless the same title went out less than Every ago.
// A suppressed alert returns nil.
func (t *Throttled) Send(ctx context.Context, alert Alert) error {
	t.mu.Lock()
	now := t.now()
	if prev, ok := t.last[alert.Title]; ok && now.Sub(prev) < t.Every {
		t.mu.Unlock()
		return nil
	}
	t.last[alert.Title] = now
	t.mu.Unlock()
	return t.Next.Send(ctx, alert)
}

// Go sends alert in the background with timeout. It is safe to call from
// code holding locks.
func Go(n Notifier, alert Alert, timeout time.Duration) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.Send(ctx, alert); err != nil {
			slog.Warn("alert delivery failed", "component", "notify", "title", alert.Title, "error", err)
		}
	}()
}
