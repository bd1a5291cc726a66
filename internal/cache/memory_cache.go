package cache

import (
	"context"
	"sync"
	"time"

	"chart-service/internal/metrics"
	"chart-service/internal/models"
)

// MemorySnapshotCache keeps snapshots in process. Each key holds a pointer to
// an immutable snapshot so readers never observe a partial write.
type MemorySnapshotCache struct {
	entries sync.Map // models.FeedKey -> *Snapshot
	ttl     time.Duration
	now     func() time.Time
}

func NewMemorySnapshotCache(ttl time.Duration) *MemorySnapshotCache {
	return &MemorySnapshotCache{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source, used by tests
func (c *MemorySnapshotCache) WithClock(now func() time.Time) *MemorySnapshotCache {
	c.now = now
	return c
}

func (c *MemorySnapshotCache) Get(_ context.Context, key models.FeedKey) (*Snapshot, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		metrics.RecordCacheAccess("memory", false)
		return nil, ErrCacheMiss
	}

	snap := v.(*Snapshot)
	if !snap.Fresh(c.now(), c.ttl) {
		c.entries.CompareAndDelete(key, snap)
		metrics.RecordCacheAccess("memory", false)
		return nil, ErrCacheMiss
	}

	metrics.RecordCacheAccess("memory", true)
	return snap, nil
}

func (c *MemorySnapshotCache) Put(_ context.Context, snap *Snapshot) error {
	c.entries.Store(snap.Key, snap)
	return nil
}
