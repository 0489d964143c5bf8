package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"otc-engine/internal/model"
)

// Reader provides read-only access to stored candles.
type Reader struct {
	db       *sql.DB
	interval int
}

// NewReader opens a second connection pool on the database for reads.
func NewReader(dbPath string, interval int) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	slog.Info("opened reader", "component", "sqlite", "path", dbPath)
	return &Reader{db: db, interval: interval}, nil
}

// ReadCandles returns up to limit of pair's newest candles, oldest first.
func (r *Reader) ReadCandles(ctx context.Context, pair string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close FROM (
			SELECT ts, open, high, low, close
			FROM candles
			WHERE pair = ? AND interval = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, pair, r.interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

var _ model.CandleReader = (*Reader)(nil)
