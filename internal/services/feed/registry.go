package feed

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/sirupsen/logrus"
)

// SymbolResolver validates symbols and supplies their metadata
type SymbolResolver interface {
	Resolve(ctx context.Context, symbol string) (models.SymbolInfo, error)
}

// subscriberCounter reports how many subscribers still hold a key
type subscriberCounter interface {
	Count(key models.FeedKey) int
}

type feedFactory func(key models.FeedKey, info models.SymbolInfo) feed

// slot serializes creation and teardown of the feed of one key. A slot
// that lost its feed is marked dead and replaced on the next Ensure.
type slot struct {
	mu   sync.Mutex
	feed feed
	dead bool
}

// Registry owns at most one live feed per key
type Registry struct {
	slots       sync.Map // models.FeedKey -> *slot
	newFeed     feedFactory
	symbols     SymbolResolver
	subscribers subscriberCounter
	active      atomic.Int64
	logger      *logrus.Logger
}

func NewRegistry(newFeed feedFactory, symbols SymbolResolver, subscribers subscriberCounter, logger *logrus.Logger) *Registry {
	return &Registry{
		newFeed:     newFeed,
		symbols:     symbols,
		subscribers: subscribers,
		logger:      logger,
	}
}

// Ensure returns the history of key, creating and starting its feed first
// if none is live. A feed that fails to start or to produce its first
// snapshot is torn down and the error returned.
func (r *Registry) Ensure(ctx context.Context, key models.FeedKey) ([]models.Candle, error) {
	for {
		v, _ := r.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}

		if s.feed != nil {
			f := s.feed
			s.mu.Unlock()
			return f.Snapshot(ctx)
		}

		candles, err := r.create(ctx, key, s)
		s.mu.Unlock()
		return candles, err
	}
}

// create runs with the slot locked
func (r *Registry) create(ctx context.Context, key models.FeedKey, s *slot) ([]models.Candle, error) {
	log := r.logger.WithField("feed", key.String())

	info, err := r.symbols.Resolve(ctx, key.Symbol)
	if err != nil {
		r.discard(key, s)
		return nil, err
	}

	f := r.newFeed(key, info)
	if err := f.Start(ctx); err != nil {
		f.Stop()
		r.discard(key, s)
		metrics.FeedLifecycle.WithLabelValues("start_failed").Inc()
		log.WithError(err).Warn("Failed to start feed")
		return nil, err
	}

	candles, err := f.Snapshot(ctx)
	if err != nil {
		f.Stop()
		r.discard(key, s)
		metrics.FeedLifecycle.WithLabelValues("start_failed").Inc()
		log.WithError(err).Warn("Failed to load initial snapshot")
		return nil, err
	}

	s.feed = f
	metrics.FeedLifecycle.WithLabelValues("started").Inc()
	metrics.ActiveFeeds.Set(float64(r.active.Add(1)))
	return candles, nil
}

// Release stops the feed of key unless subscribers still hold it
func (r *Registry) Release(key models.FeedKey) {
	v, ok := r.slots.Load(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead || s.feed == nil {
		return
	}
	if n := r.subscribers.Count(key); n > 0 {
		return
	}

	s.feed.Stop()
	s.feed = nil
	r.discard(key, s)
	metrics.FeedLifecycle.WithLabelValues("stopped").Inc()
	metrics.ActiveFeeds.Set(float64(r.active.Add(-1)))
}

// Has reports whether key has a live feed
func (r *Registry) Has(key models.FeedKey) bool {
	v, ok := r.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && s.feed != nil
}

// ActiveFeeds returns the number of live feeds
func (r *Registry) ActiveFeeds() int {
	return int(r.active.Load())
}

// Keys lists the group names of live feeds
func (r *Registry) Keys() []string {
	var keys []string
	r.slots.Range(func(k, _ interface{}) bool {
		if r.Has(k.(models.FeedKey)) {
			keys = append(keys, k.(models.FeedKey).String())
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

// Close stops every feed
func (r *Registry) Close() {
	r.slots.Range(func(k, v interface{}) bool {
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead && s.feed != nil {
			s.feed.Stop()
			s.feed = nil
			r.discard(k.(models.FeedKey), s)
			metrics.ActiveFeeds.Set(float64(r.active.Add(-1)))
		}
		s.mu.Unlock()
		return true
	})
}

func (r *Registry) discard(key models.FeedKey, s *slot) {
	s.dead = true
	r.slots.CompareAndDelete(key, s)
}
