// Package wire defines the closed set of messages exchanged over the market
// websocket. Every message is a JSON object tagged by a "type" field; inbound
// messages carry their fields inline, outbound ones wrap their payload in "data".
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"otc-engine/internal/model"
)

// Message type tags.
const (
	TypeSubscribe      = "subscribe"
	TypeSubscribePair  = "subscribe_pair"
	TypeAssets         = "assets"
	TypeCurrentCandles = "current_candles"
	TypeCurrentCandle  = "current_candle"
	TypePriceTick      = "otc_price_tick"
	TypeCandleUpdate   = "candle_update"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a type tag.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a well-formed frame with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

// ── Client → server ──

// Inbound is a message sent by a subscriber. Implementations: Subscribe, SubscribePair.
type Inbound interface {
	inbound()
}

// Subscribe asks for the asset list and every current candle.
type Subscribe struct{}

// SubscribePair asks for one instrument's current candle.
type SubscribePair struct {
	Pair string
}

func (Subscribe) inbound()     {}
func (SubscribePair) inbound() {}

type inboundFrame struct {
	Type string `json:"type"`
	Pair string `json:"pair,omitempty"`
}

// DecodeInbound parses one client frame.
func DecodeInbound(b []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case TypeSubscribe:
		return Subscribe{}, nil
	case TypeSubscribePair:
		if f.Pair == "" {
			return nil, fmt.Errorf("%w: subscribe_pair without pair", ErrMalformed)
		}
		return SubscribePair{Pair: f.Pair}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// EncodeInbound serialises a client frame.
func EncodeInbound(m Inbound) ([]byte, error) {
	switch m := m.(type) {
	case Subscribe:
		return json.Marshal(inboundFrame{Type: TypeSubscribe})
	case SubscribePair:
		return json.Marshal(inboundFrame{Type: TypeSubscribePair, Pair: m.Pair})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// ── Server → client ──

// Outbound is a message sent to subscribers. Implementations: Assets,
// CurrentCandles, CurrentCandle, PriceTick, CandleUpdate.
type Outbound interface {
	Type() string
}

// Assets carries the full instrument catalog.
type Assets struct {
	Instruments []model.Instrument
}

// CurrentCandles carries the in-progress candle of every instrument.
type CurrentCandles struct {
	Candles        map[string]model.Candle `json:"candles"`
	CandleInterval int                     `json:"candleInterval"`
}

// CurrentCandle carries one instrument's in-progress candle.
type CurrentCandle struct {
	Pair           string       `json:"pair"`
	Candle         model.Candle `json:"candle"`
	CandleInterval int          `json:"candleInterval"`
}

// PriceTick carries one simulated price.
type PriceTick struct {
	model.PriceTick
}

// CandleUpdate carries a candle after a tick was folded into it.
type CandleUpdate struct {
	Pair        string       `json:"pair"`
	Candle      model.Candle `json:"candle"`
	IsNewCandle bool         `json:"isNewCandle"`
}

func (Assets) Type() string         { return TypeAssets }
func (CurrentCandles) Type() string { return TypeCurrentCandles }
func (CurrentCandle) Type() string  { return TypeCurrentCandle }
func (PriceTick) Type() string      { return TypePriceTick }
func (CandleUpdate) Type() string   { return TypeCandleUpdate }

// Encode serialises m into its {"type":...,"data":...} envelope.
func Encode(m Outbound) ([]byte, error) {
	var data any
	switch m := m.(type) {
	case Assets:
		if m.Instruments == nil {
			data = []model.Instrument{}
		} else {
			data = m.Instruments
		}
	case CurrentCandles:
		if m.Candles == nil {
			m.Candles = map[string]model.Candle{}
		}
		data = m
	case CurrentCandle:
		data = m
	case PriceTick:
		data = m.PriceTick
	case CandleUpdate:
		data = m
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return envelope(m.Type(), payload), nil
}

// envelope builds the frame without re-marshalling the payload.
func envelope(typ string, payload []byte) []byte {
	buf := make([]byte, 0, len(typ)+len(payload)+20)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","data":`...)
	buf = append(buf, payload...)
	buf = append(buf, '}')
	return buf
}

type outboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeOutbound parses one server frame.
func DecodeOutbound(b []byte) (Outbound, error) {
	var f outboundFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, f.Type)
	}

	var (
		out Outbound
		err error
	)
	switch f.Type {
	case TypeAssets:
		var m Assets
		err = json.Unmarshal(f.Data, &m.Instruments)
		out = m
	case TypeCurrentCandles:
		var m CurrentCandles
		err = json.Unmarshal(f.Data, &m)
		out = m
	case TypeCurrentCandle:
		var m CurrentCandle
		err = json.Unmarshal(f.Data, &m)
		out = m
	case TypePriceTick:
		var m PriceTick
		err = json.Unmarshal(f.Data, &m.PriceTick)
		out = m
	case TypeCandleUpdate:
		var m CandleUpdate
		err = json.Unmarshal(f.Data, &m)
		out = m
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type, err)
	}
	return out, nil
}
