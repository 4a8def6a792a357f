package cache

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/redis/go-redis/v9"
)

const lastTickKey = "md:last_tick"

type lastTickRecord struct {
	Timestamp int64  `json:"ts"`
	LastPrice string `json:"last_price"`
}

// TickTracker records the most recent tick per vt_symbol in a Redis hash.
// Written on the ingest hot path, read by md.subscriptions.active and the
// feed health check.
type TickTracker struct {
	client *redis.Client
}

func NewTickTracker(cacheDSN string) (*TickTracker, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	return NewTickTrackerWithClient(redis.NewClient(options)), nil
}

func NewTickTrackerWithClient(client *redis.Client) *TickTracker {
	return &TickTracker{client: client}
}

func (t *TickTracker) Touch(ctx context.Context, vtSymbol string, tick entity.Tick) error {
	payload, err := json.Marshal(lastTickRecord{
		Timestamp: tick.Timestamp.Unix(),
		LastPrice: tick.LastPrice.String(),
	})
	if err != nil {
		return err
	}
	return t.client.HSet(ctx, lastTickKey, vtSymbol, payload).Err()
}

// LastTickAt returns the unix time of the last observed tick. The second
// value is false when the symbol was never observed.
func (t *TickTracker) LastTickAt(ctx context.Context, vtSymbol string) (int64, bool, error) {
	raw, err := t.client.HGet(ctx, lastTickKey, vtSymbol).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, err
	}

	var record lastTickRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return 0, false, err
	}
	return record.Timestamp, true, nil
}

// Snapshot returns last tick times for every tracked vt_symbol.
func (t *TickTracker) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := t.client.HGetAll(ctx, lastTickKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(raw))
	for vtSymbol, value := range raw {
		var record lastTickRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			continue
		}
		out[vtSymbol] = record.Timestamp
	}
	return out, nil
}

func (t *TickTracker) Close() error {
	return t.client.Close()
}
