package model

// Candle is an OHLC summary of one fixed-width bucket.
// Time is the bucket start in Unix seconds, never the time of the last update.
type Candle struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// CandleEvent is a candle leaving the engine towards a persistence sink.
// Final is true once the bucket has rolled over and the candle can no longer change.
type CandleEvent struct {
	Pair     string `json:"pair"`
	Interval int    `json:"interval"` // bucket width in seconds
	Candle   Candle `json:"candle"`
	Final    bool   `json:"final"`
}
