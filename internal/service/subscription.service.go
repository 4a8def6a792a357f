// Package service contains the use-case layer between the control plane and
// the vendor gateway.
package service

import (
	"context"

	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

// SubscriptionService subscribes through the vendor gateway and persists the
// resulting subscription so it survives restarts. A persistence failure is
// logged but does not roll back the live subscription: the feed keeps
// flowing while the database flaps.
type SubscriptionService struct {
	source entity.MarketDataSource
	store  entity.SubscriptionStore
}

func NewSubscriptionService(source entity.MarketDataSource, store entity.SubscriptionStore) *SubscriptionService {
	return &SubscriptionService{source: source, store: store}
}

func (s *SubscriptionService) Subscribe(ctx context.Context, vtSymbol string) (*entity.Subscription, error) {
	sub, err := s.source.Subscribe(ctx, vtSymbol)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.Save(ctx, sub); err != nil {
			logrus.WithFields(logrus.Fields{
				"vt_symbol": vtSymbol,
				"error":     err.Error(),
			}).Warn("subscription persistence failed")
		}
	}
	return sub, nil
}

func (s *SubscriptionService) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if err := s.source.Unsubscribe(ctx, subscriptionID); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Deactivate(ctx, subscriptionID); err != nil {
			logrus.WithFields(logrus.Fields{
				"subscription_id": subscriptionID,
				"error":           err.Error(),
			}).Warn("subscription deactivation persistence failed")
		}
	}
	return nil
}

// RestoreActive re-subscribes every persisted active subscription, typically
// at process start. Individual failures are logged and skipped.
func (s *SubscriptionService) RestoreActive(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	subs, err := s.store.GetActive(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, sub := range subs {
		if _, err := s.source.Subscribe(ctx, sub.VTSymbol()); err != nil {
			logrus.WithFields(logrus.Fields{
				"vt_symbol": sub.VTSymbol(),
				"error":     err.Error(),
			}).Warn("subscription restore failed")
			continue
		}
		restored++
	}
	logrus.WithField("restored", restored).Info("active subscriptions restored")
	return restored, nil
}
