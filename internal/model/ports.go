package model

import "context"

// ── Collaborator Ports ──
// The engine depends on these narrow interfaces only; concrete catalog and
// storage implementations live under internal/catalog and internal/store.

// Catalog supplies instrument metadata for the assets payload and the
// volatility policy.
type Catalog interface {
	ListAllInstruments() []Instrument
}

// CandleSink persists candles emitted by the engine.
type CandleSink interface {
	// Run reads candle events from ch and stores them.
	// Blocks until ctx is cancelled or ch is closed.
	Run(ctx context.Context, ch <-chan CandleEvent)

	// Close releases underlying resources.
	Close() error
}

// CandleReader returns up to limit of the most recent finalized candles for a
// pair, oldest first.
type CandleReader interface {
	ReadCandles(ctx context.Context, pair string, limit int) ([]Candle, error)
}
