package model

// PriceTick is a single simulated price observation.
type PriceTick struct {
	Pair  string  `json:"pair"`
	Time  int64   `json:"time"`  // Unix seconds
	Price float64 `json:"price"` // strictly positive
}
