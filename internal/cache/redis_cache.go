package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"adega/backend/internal/domain"
)

const (
	reportKeyPrefix     = "adega:finance-report:"
	reportGenerationKey = "adega:finance-report:generation"
)

// RedisReportCache namespaces entries under a generation counter. Bumping the
// counter orphans every older entry, which then expires through its TTL.
type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, reportGenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func entryKey(generation int64, key string) string {
	return reportKeyPrefix + strconv.FormatInt(generation, 10) + ":" + key
}

func (c *RedisReportCache) Get(ctx context.Context, key string) (*domain.FinanceReport, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	val, err := c.client.Get(ctx, entryKey(gen, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, err
	}

	var report domain.FinanceReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, gen, false, err
	}
	return &report, gen, true, nil
}

// Set writes under the generation the caller read. If an Invalidate ran in
// between, the entry lands in a generation nobody reads and just expires.
func (c *RedisReportCache) Set(ctx context.Context, key string, generation int64, value *domain.FinanceReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(generation, key), payload, ttl).Err()
}

func (c *RedisReportCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, reportGenerationKey).Err()
}
