package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/quantfeed/md-bridge/internal/entity"
)

type SubscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Save persists a subscription. Re-subscribing an existing symbol/exchange
// pair reactivates the stored row instead of duplicating it.
func (r *SubscriptionRepository) Save(ctx context.Context, subscription *entity.Subscription) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(subscription.TableName()).
		Columns(
			"id",
			"symbol",
			"exchange",
			"created_at",
			"active",
		).
		Values(
			subscription.ID,
			subscription.Symbol,
			subscription.Exchange,
			subscription.CreatedAt,
			subscription.Active,
		).
		Suffix("ON CONFLICT (symbol, exchange) DO UPDATE SET active = EXCLUDED.active RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		return err
	}

	subscription.ID = id

	return err
}

func (r *SubscriptionRepository) Deactivate(ctx context.Context, subscriptionID string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("subscriptions").
		Set("active", false).
		Where(sq.Eq{"id": subscriptionID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SubscriptionRepository) GetActive(ctx context.Context) ([]entity.Subscription, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("subscriptions").
		Where(sq.Eq{"active": true}).
		OrderBy("created_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var subscriptions []entity.Subscription
	err = r.db.SelectContext(ctx, &subscriptions, query, args...)
	if err != nil {
		return nil, err
	}

	return subscriptions, nil
}
