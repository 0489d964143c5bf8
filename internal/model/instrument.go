package model

import "github.com/shopspring/decimal"

// Instrument categories used by the volatility policy.
const (
	CategoryForex     = "forex"
	CategoryCrypto    = "crypto"
	CategoryCommodity = "commodity"
)

// Instrument is a catalog entry for a tradable synthetic asset.
type Instrument struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Symbol     string          `json:"symbol" yaml:"symbol"`
	Category   string          `json:"category" yaml:"category"`
	IsActive   bool            `json:"isActive" yaml:"active"`
	PayoutRate int             `json:"payoutRate" yaml:"payout_rate"` // percent
	BasePrice  decimal.Decimal `json:"basePrice" yaml:"base_price"`
	Precision  int32           `json:"precision" yaml:"precision"` // display decimals
}
