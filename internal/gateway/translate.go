package gateway

import (
	"fmt"
	"math"
	"time"

	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/shopspring/decimal"
)

// Vendor feeds report "no value" as max-float or +inf. Those sentinels
// collapse to zero at the boundary.
func sanitizePrice(value float64) decimal.Decimal {
	if math.IsNaN(value) || math.IsInf(value, 0) || value >= math.MaxFloat64/2 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(value)
}

// translateVendorTick converts a raw vendor tick into the canonical Tick.
// Timestamps are pinned to the fixed exchange timezone; naive or missing
// timestamps take the current exchange-local time.
func translateVendorTick(v entity.VendorTick, source string) (entity.Tick, error) {
	if v.Symbol == "" {
		return entity.Tick{}, fmt.Errorf("vendor tick missing symbol")
	}
	if err := entity.ValidateSymbol(v.Symbol); err != nil {
		return entity.Tick{}, err
	}

	ts := v.Datetime
	if ts.IsZero() {
		ts = time.Now()
	}

	return entity.Tick{
		Symbol:    v.Symbol,
		Exchange:  v.Exchange,
		LastPrice: sanitizePrice(v.LastPrice),
		Volume:    sanitizePrice(v.Volume),
		BidPrice1: sanitizePrice(v.BidPrice1),
		AskPrice1: sanitizePrice(v.AskPrice1),
		Timestamp: ts.In(entity.ExchangeTZ),
		Source:    source,
	}, nil
}
