package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeTZ is the fixed exchange timezone applied at the vendor boundary.
// All tick timestamps are normalized into it before serialization.
var ExchangeTZ = time.FixedZone("UTC+8", 8*60*60)

// Tick is a single market price update. Created once at the vendor boundary,
// consumed once by the publisher, never mutated.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	LastPrice decimal.Decimal `json:"last_price"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	BidPrice1 decimal.Decimal `json:"bid_price_1,omitempty"`
	AskPrice1 decimal.Decimal `json:"ask_price_1,omitempty"`
	Timestamp time.Time       `json:"-"`
	Source    string          `json:"source,omitempty"`
}

// VTSymbol returns the exchange-qualified symbol {base}.{exchange}.
func (t Tick) VTSymbol() string {
	return fmt.Sprintf("%s.%s", t.Symbol, t.Exchange)
}

// TickPayload is the on-the-wire shape published on market.tick subjects.
type TickPayload struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	VTSymbol  string  `json:"vt_symbol"`
	LastPrice string  `json:"last_price"`
	Volume    *string `json:"volume,omitempty"`
	BidPrice1 *string `json:"bid_price_1,omitempty"`
	AskPrice1 *string `json:"ask_price_1,omitempty"`
	Datetime  string  `json:"datetime"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
}

func (t Tick) ToPayload() TickPayload {
	payload := TickPayload{
		Symbol:    t.Symbol,
		Exchange:  t.Exchange,
		VTSymbol:  t.VTSymbol(),
		LastPrice: t.LastPrice.String(),
		Datetime:  t.Timestamp.In(ExchangeTZ).Format("2006-01-02T15:04:05.000000-07:00"),
		Timestamp: t.Timestamp.Unix(),
		Source:    t.Source,
	}
	if !t.Volume.IsZero() {
		v := t.Volume.String()
		payload.Volume = &v
	}
	if !t.BidPrice1.IsZero() {
		v := t.BidPrice1.String()
		payload.BidPrice1 = &v
	}
	if !t.AskPrice1.IsZero() {
		v := t.AskPrice1.String()
		payload.AskPrice1 = &v
	}
	return payload
}

// VendorTick is the raw tick shape pushed by the vendor session callback.
// Prices may carry the vendor "no value" sentinel (math.MaxFloat64 or +inf).
type VendorTick struct {
	Symbol    string
	Exchange  string
	LastPrice float64
	Volume    float64
	BidPrice1 float64
	AskPrice1 float64
	Datetime  time.Time
}

// SplitVTSymbol splits {base}.{exchange}; exchange is empty when unqualified.
func SplitVTSymbol(vtSymbol string) (string, string) {
	cleaned := strings.TrimSpace(vtSymbol)
	if idx := strings.Index(cleaned, "."); idx >= 0 {
		return cleaned[:idx], cleaned[idx+1:]
	}
	return cleaned, ""
}
