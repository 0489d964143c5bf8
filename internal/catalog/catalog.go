// Package catalog supplies instrument metadata and the volatility tier each
// instrument trades at.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"otc-engine/internal/model"
)

// Catalog is a fixed set of instruments keyed by ID.
type Catalog struct {
	list []model.Instrument
	byID map[string]model.Instrument
}

// New builds a catalog. Duplicate IDs are rejected.
func New(instruments []model.Instrument) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Instrument, len(instruments))}
	for _, inst := range instruments {
		if inst.ID == "" {
			return nil, fmt.Errorf("catalog: instrument with empty id")
		}
		if _, dup := c.byID[inst.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate instrument %s", inst.ID)
		}
		if inst.Symbol == "" {
			inst.Symbol = inst.Name
		}
		if inst.Precision == 0 {
			inst.Precision = defaultPrecision(inst.Category)
		}
		c.byID[inst.ID] = inst
		c.list = append(c.list, inst)
	}
	sort.Slice(c.list, func(i, j int) bool { return c.list[i].ID < c.list[j].ID })
	return c, nil
}

// ListAllInstruments returns every instrument, active or not.
func (c *Catalog) ListAllInstruments() []model.Instrument {
	out := make([]model.Instrument, len(c.list))
	copy(out, c.list)
	return out
}

// Active returns the instruments the engine should simulate.
func (c *Catalog) Active() []model.Instrument {
	out := make([]model.Instrument, 0, len(c.list))
	for _, inst := range c.list {
		if inst.IsActive {
			out = append(out, inst)
		}
	}
	return out
}

// Lookup returns the instrument with the given ID.
func (c *Catalog) Lookup(id string) (model.Instrument, bool) {
	inst, ok := c.byID[id]
	return inst, ok
}

// Round formats price at the instrument's display precision.
func Round(inst model.Instrument, price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Round(inst.Precision)
}

func defaultPrecision(category string) int32 {
	if category == model.CategoryCrypto {
		return 2
	}
	return 5
}

// Defaults is the built-in instrument set used when no markets file is configured.
func Defaults() []model.Instrument {
	mk := func(id, name, symbol, category string, payout int, base string) model.Instrument {
		return model.Instrument{
			ID:         id,
			Name:       name,
			Symbol:     symbol,
			Category:   category,
			IsActive:   true,
			PayoutRate: payout,
			BasePrice:  decimal.RequireFromString(base),
			Precision:  defaultPrecision(category),
		}
	}
	return []model.Instrument{
		mk("EURUSD", "EUR/USD", "EUR/USD", model.CategoryForex, 85, "1.0850"),
		mk("GBPUSD", "GBP/USD", "GBP/USD", model.CategoryForex, 84, "1.2650"),
		mk("USDJPY", "USD/JPY", "USD/JPY", model.CategoryForex, 83, "149.50"),
		mk("AUDUSD", "AUD/USD", "AUD/USD", model.CategoryForex, 84, "0.6550"),
		mk("USDCAD", "USD/CAD", "USD/CAD", model.CategoryForex, 83, "1.3550"),
		mk("BTCUSD", "Bitcoin", "BTC/USD", model.CategoryCrypto, 82, "43256.50"),
		mk("ETHUSD", "Ethereum", "ETH/USD", model.CategoryCrypto, 81, "2345.67"),
	}
}

// VolatilityPolicy maps an instrument to the per-tick volatility coefficient
// fed to the price generator.
type VolatilityPolicy struct {
	Crypto    float64 `yaml:"crypto"`
	Commodity float64 `yaml:"commodity"`
	JPY       float64 `yaml:"jpy"`
	Default   float64 `yaml:"default"`
}

// DefaultVolatility is the built-in tier table.
func DefaultVolatility() VolatilityPolicy {
	return VolatilityPolicy{Crypto: 0.0008, Commodity: 0.0005, JPY: 0.0002, Default: 0.0003}
}

// For returns the coefficient for inst. Crypto wins over JPY so a pair such as
// BTCJPY trades at the crypto tier.
func (p VolatilityPolicy) For(inst model.Instrument) float64 {
	switch {
	case inst.Category == model.CategoryCrypto:
		return p.Crypto
	case inst.Category == model.CategoryCommodity:
		return p.Commodity
	case strings.Contains(strings.ToUpper(inst.ID), "JPY"):
		return p.JPY
	default:
		return p.Default
	}
}

// merged fills zero tiers from DefaultVolatility.
func (p VolatilityPolicy) merged() VolatilityPolicy {
	d := DefaultVolatility()
	if p.Crypto <= 0 {
		p.Crypto = d.Crypto
	}
	if p.Commodity <= 0 {
		p.Commodity = d.Commodity
	}
	if p.JPY <= 0 {
		p.JPY = d.JPY
	}
	if p.Default <= 0 {
		p.Default = d.Default
	}
	return p
}

// File is the on-disk layout of a markets file.
type File struct {
	Volatility  VolatilityPolicy   `yaml:"volatility"`
	Instruments []model.Instrument `yaml:"instruments"`
}

// Load reads the markets file at path. An empty path returns the built-in
// defaults.
func Load(path string) (*Catalog, VolatilityPolicy, error) {
	if path == "" {
		c, err := New(Defaults())
		return c, DefaultVolatility(), err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, VolatilityPolicy{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a markets file. Instruments with a non-positive base price
// are rejected.
func Parse(raw []byte) (*Catalog, VolatilityPolicy, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, VolatilityPolicy{}, fmt.Errorf("catalog: parse: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, VolatilityPolicy{}, fmt.Errorf("catalog: no instruments")
	}
	for _, inst := range f.Instruments {
		if !inst.BasePrice.IsPositive() {
			return nil, VolatilityPolicy{}, fmt.Errorf("catalog: %s base_price %s not positive", inst.ID, inst.BasePrice)
		}
	}
	c, err := New(f.Instruments)
	if err != nil {
		return nil, VolatilityPolicy{}, err
	}
	return c, f.Volatility.merged(), nil
}
