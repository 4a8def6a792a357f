package entity

import "context"

// MarketDataSource is implemented by the vendor session supervisor.
type MarketDataSource interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, vtSymbol string) (*Subscription, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
	ReceiveTicks() <-chan Tick
}

// TickPublisher is implemented by the resilient bus publisher.
type TickPublisher interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data any) error
	HealthCheck(ctx context.Context) bool
}

// SubscriptionStore persists subscription state across restarts.
type SubscriptionStore interface {
	Save(ctx context.Context, sub *Subscription) error
	Deactivate(ctx context.Context, subscriptionID string) error
	GetActive(ctx context.Context) ([]Subscription, error)
}

// TickTracker records the most recent tick observation per vt_symbol.
type TickTracker interface {
	Touch(ctx context.Context, vtSymbol string, tick Tick) error
	LastTickAt(ctx context.Context, vtSymbol string) (int64, bool, error)
}
