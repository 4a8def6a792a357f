// Package cache holds the Redis-backed contract catalogue and the last-tick
// tracker shared by the ingest hot path and the control plane.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	catalogKey        = "md:contracts:catalog"
	defaultCatalogTTL = 5 * time.Minute
)

// ContractCatalog caches the vendor contract list so md.contracts.list can
// answer without a live vendor round trip.
type ContractCatalog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewContractCatalog(cacheDSN string, ttl time.Duration) (*ContractCatalog, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	return NewContractCatalogWithClient(redis.NewClient(options), ttl), nil
}

func NewContractCatalogWithClient(client *redis.Client, ttl time.Duration) *ContractCatalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	return &ContractCatalog{client: client, ttl: ttl}
}

// Load returns the cached catalogue. The second value is false on a miss.
func (c *ContractCatalog) Load(ctx context.Context) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, catalogKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var symbols []string
	if err := json.Unmarshal([]byte(raw), &symbols); err != nil {
		return nil, false, err
	}
	return symbols, true, nil
}

func (c *ContractCatalog) Save(ctx context.Context, symbols []string) error {
	payload, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, catalogKey, payload, c.ttl).Err()
}

func (c *ContractCatalog) Close() error {
	return c.client.Close()
}
