package api

import (
	"context"
	"log/slog"

	"otc-engine/internal/model"
)

// History reads finalized candles from the first store that has them. Order
// the stores from most to least durable; nil entries are skipped.
type History []model.CandleReader

// ReadCandles returns the first non-empty result. When every store fails the
// last error is returned.
func (h History) ReadCandles(ctx context.Context, pair string, limit int) ([]model.Candle, error) {
	var lastErr error
	for _, r := range h {
		if r == nil {
			continue
		}
		candles, err := r.ReadCandles(ctx, pair, limit)
		if err != nil {
			slog.Debug("history source failed", "component", "api", "pair", pair, "error", err)
			lastErr = err
			continue
		}
		if len(candles) > 0 {
			return candles, nil
		}
	}
	return nil, lastErr
}
