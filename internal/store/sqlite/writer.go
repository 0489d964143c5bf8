// Package sqlite persists finalized candles and serves the "last N candles"
// history from the same database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"otc-engine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	dsnOptions        = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // e.g. "data/candles.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Only finalized candles are stored; forming updates are ignored.
type Writer struct {
	db *sql.DB

	// OnCommit is called with the duration of every committed batch.
	OnCommit func(d time.Duration, n int)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; readers go through Reader.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("opened database", "component", "sqlite", "path", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			pair     TEXT    NOT NULL,
			interval INTEGER NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			PRIMARY KEY (pair, interval, ts)
		);
	`)
	return err
}

// Run reads events from ch and inserts finalized candles in batched
// transactions, flushing every defaultBatchSize candles or defaultFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.CandleEvent) {
	batch := make([]model.CandleEvent, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			slog.Error("batch insert failed", "component", "sqlite", "size", len(batch), "error", err)
		} else {
			d := time.Since(start)
			slog.Debug("committed candles", "component", "sqlite", "size", len(batch), "took", d)
			if w.OnCommit != nil {
				w.OnCommit(d, len(batch))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-ch:
			if !ok {
				flush()
				return
			}
			if !ev.Final {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch upserts a batch of candles in a single transaction.
func (w *Writer) insertBatch(events []model.CandleEvent) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (pair, interval, ts, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		c := ev.Candle
		if _, err := stmt.Exec(ev.Pair, ev.Interval, c.Time, c.Open, c.High, c.Low, c.Close); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LastTimestamp returns the newest stored bucket start for pair, or 0.
func (w *Writer) LastTimestamp(pair string, interval int) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM candles WHERE pair = ? AND interval = ?`,
		pair, interval,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
