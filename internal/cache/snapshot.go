package cache

import (
	"context"
	"errors"
	"time"

	"chart-service/internal/models"
)

// ErrCacheMiss is returned when a snapshot is absent or older than the TTL
var ErrCacheMiss = errors.New("cache miss")

// Snapshot is a history series together with the time it was fetched.
// A stored snapshot is never mutated; writers replace it.
type Snapshot struct {
	Key       models.FeedKey  `json:"key"`
	Candles   []models.Candle `json:"candles"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Fresh reports whether the snapshot is younger than ttl at now
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && now.Sub(s.FetchedAt) < ttl
}

// SnapshotCache stores the latest history snapshot per feed key
type SnapshotCache interface {
	Get(ctx context.Context, key models.FeedKey) (*Snapshot, error)
	Put(ctx context.Context, snap *Snapshot) error
}
