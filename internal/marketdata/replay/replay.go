// Package replay restores recent candle history from a persistent store when
// the engine starts, so charts and prices continue where the last run ended.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"otc-engine/internal/model"
	"otc-engine/internal/validate"
)

// Recorder receives restored candles, oldest first.
type Recorder interface {
	Add(pair string, c model.Candle)
}

// Result summarises what was restored for one instrument.
type Result struct {
	Candles   int
	Skipped   int     // candles that failed validation
	LastClose float64 // 0 when nothing was restored
	LastTime  int64
}

// Restore reads up to limit finalized candles per pair from src, validates
// them and feeds them into rec. A read failure aborts the restore; invalid
// candles are skipped.
func Restore(ctx context.Context, src model.CandleReader, pairs []string, limit int, rec Recorder) (map[string]Result, error) {
	out := make(map[string]Result, len(pairs))
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		candles, err := src.ReadCandles(ctx, pair, limit)
		if err != nil {
			return out, fmt.Errorf("replay %s: %w", pair, err)
		}

		var res Result
		for _, c := range candles {
			if _, err := validate.Candle(c); err != nil || c.Time <= res.LastTime {
				res.Skipped++
				continue
			}
			if rec != nil {
				rec.Add(pair, c)
			}
			res.Candles++
			res.LastClose = c.Close
			res.LastTime = c.Time
		}
		if res.Skipped > 0 {
			slog.Warn("skipped stored candles", "component", "replay", "pair", pair, "skipped", res.Skipped)
		}
		out[pair] = res
	}

	total := 0
	for _, r := range out {
		total += r.Candles
	}
	slog.Info("restored candle history", "component", "replay", "pairs", len(pairs), "candles", total)
	return out, nil
}
