package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

type Subscription struct {
	ID        string    `db:"id" json:"id"`
	Symbol    string    `db:"symbol" json:"symbol"`
	Exchange  string    `db:"exchange" json:"exchange"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Active    bool      `db:"active" json:"active"`
}

func (s Subscription) TableName() string {
	return "subscriptions"
}

// VTSymbol returns the exchange-qualified symbol for this subscription.
func (s Subscription) VTSymbol() string {
	if s.Exchange == "" {
		return s.Symbol
	}
	return s.Symbol + "." + s.Exchange
}

// SubscriptionRecord is the control-plane view of an active subscription,
// enriched with the last observed tick time. Ephemeral per health-check run.
type SubscriptionRecord struct {
	Symbol         string    `json:"symbol"`
	SubscriptionID string    `json:"subscription_id"`
	Exchange       string    `json:"exchange,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastTickAt     null.Time `json:"last_tick_at"`
	Active         bool      `json:"active"`
}

// VTSymbol normalizes the record symbol to {base}.{exchange}.
func (r SubscriptionRecord) VTSymbol() string {
	exchange := r.Exchange
	if exchange == "" {
		exchange = "UNKNOWN"
	}
	base, ex := SplitVTSymbol(r.Symbol)
	if ex != "" {
		return base + "." + ex
	}
	return r.Symbol + "." + exchange
}
