package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisSnapshotCache {
	return &RedisSnapshotCache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

func snapshotKey(key models.FeedKey) string {
	return "snapshot:" + key.String()
}

// Put caches a snapshot for the rest of its freshness window
func (c *RedisSnapshotCache) Put(ctx context.Context, snap *Snapshot) error {
	remaining := c.ttl - c.now().Sub(snap.FetchedAt)
	if remaining <= 0 {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return c.client.Set(ctx, snapshotKey(snap.Key), data, remaining).Err()
}

// Get retrieves a cached snapshot, treating expired entries as misses
func (c *RedisSnapshotCache) Get(ctx context.Context, key models.FeedKey) (*Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("redis", false)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.WithError(err).WithField("key", key.String()).Warn("Dropping undecodable snapshot")
		metrics.RecordCacheAccess("redis", false)
		return nil, ErrCacheMiss
	}

	if !snap.Fresh(c.now(), c.ttl) {
		metrics.RecordCacheAccess("redis", false)
		return nil, ErrCacheMiss
	}

	metrics.RecordCacheAccess("redis", true)
	return &snap, nil
}
