package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chart-service/internal/cache"
	"chart-service/internal/exchange"
	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Options tune feed behaviour
type Options struct {
	HistoryLimit  int
	SnapshotTTL   time.Duration
	FetchTimeout  time.Duration
	StopTimeout   time.Duration
	PendingBuffer int
	Strict        bool
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.PendingBuffer <= 0 {
		o.PendingBuffer = 64
	}
	return o
}

// broadcaster is the part of the gateway a feed pushes updates into
type broadcaster interface {
	BroadcastCandle(key models.FeedKey, candle models.Candle) int
	BroadcastTicker(key models.FeedKey, ticker models.Ticker) int
}

// feed is the lifecycle the registry manages
type feed interface {
	Start(ctx context.Context) error
	Snapshot(ctx context.Context) ([]models.Candle, error)
	Stop()
}

// upstreamFeed is the single upstream subscription of one key. It serves
// history snapshots and forwards live klines and tickers in upstream order.
type upstreamFeed struct {
	key      models.FeedKey
	info     models.SymbolInfo
	upstream exchange.Upstream
	cache    cache.SnapshotCache
	out      broadcaster
	opts     Options
	fetches  *singleflight.Group
	now      func() time.Time
	logger   *logrus.Entry

	mu     sync.RWMutex
	latest *cache.Snapshot

	ctx      context.Context
	cancel   context.CancelFunc
	klines   exchange.Stream[models.Candle]
	ticker   exchange.Stream[models.TickerStats]
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

func newUpstreamFeed(
	key models.FeedKey,
	info models.SymbolInfo,
	upstream exchange.Upstream,
	snapshots cache.SnapshotCache,
	out broadcaster,
	fetches *singleflight.Group,
	opts Options,
	logger *logrus.Logger,
) *upstreamFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &upstreamFeed{
		key:      key,
		info:     info,
		upstream: upstream,
		cache:    snapshots,
		out:      out,
		opts:     opts.withDefaults(),
		fetches:  fetches,
		now:      time.Now,
		logger:   logger.WithField("feed", key.String()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Snapshot returns the freshest history available: the feed's own copy,
// then the shared cache, then one upstream fetch shared by all concurrent
// callers
func (f *upstreamFeed) Snapshot(ctx context.Context) ([]models.Candle, error) {
	if snap := f.fresh(); snap != nil {
		metrics.RecordCacheAccess("feed", true)
		return snap.Candles, nil
	}
	metrics.RecordCacheAccess("feed", false)

	snap, err := f.cache.Get(ctx, f.key)
	switch {
	case err == nil:
		f.adopt(snap)
		return snap.Candles, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		f.logger.WithError(err).Warn("Snapshot cache read failed, fetching upstream")
	}

	ch := f.fetches.DoChan(f.key.String(), func() (interface{}, error) {
		return f.fetch()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Snapshot).Candles, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs detached from any single caller so one caller giving up does
// not fail the others sharing the fetch
func (f *upstreamFeed) fetch() (*cache.Snapshot, error) {
	if snap := f.fresh(); snap != nil {
		return snap, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	candles, err := f.upstream.Klines(ctx, f.key.Symbol, f.key.Interval, f.opts.HistoryLimit)
	metrics.TrackLatency(start, metrics.UpstreamFetchLatency)
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch history %s: %w", f.key, err)
	}
	metrics.UpstreamFetches.WithLabelValues("ok").Inc()

	snap := &cache.Snapshot{Key: f.key, Candles: candles, FetchedAt: f.now()}
	if err := f.cache.Put(ctx, snap); err != nil {
		f.logger.WithError(err).Warn("Failed to cache snapshot")
	}
	f.adopt(snap)

	return snap, nil
}

func (f *upstreamFeed) fresh() *cache.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest.Fresh(f.now(), f.opts.SnapshotTTL) {
		return f.latest
	}
	return nil
}

// adopt keeps snap as the feed's copy unless a newer one is already held
func (f *upstreamFeed) adopt(snap *cache.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || !snap.FetchedAt.Before(f.latest.FetchedAt) {
		f.latest = snap
	}
}

// merge folds a live candle into the feed's copy without touching its fetch
// time, so the copy still expires on schedule
func (f *upstreamFeed) merge(c models.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return
	}
	merged, changed := models.MergeCandle(f.latest.Candles, c, f.opts.HistoryLimit)
	if changed {
		f.latest = &cache.Snapshot{Key: f.key, Candles: merged, FetchedAt: f.latest.FetchedAt}
	}
}

// Start opens the kline and ticker streams and begins forwarding
func (f *upstreamFeed) Start(ctx context.Context) error {
	klines, err := f.upstream.SubscribeKlines(ctx, f.key.Symbol, f.key.Interval)
	if err != nil {
		return fmt.Errorf("subscribe klines %s: %w", f.key, err)
	}

	ticker, err := f.upstream.SubscribeTicker(ctx, f.key.Symbol)
	if err != nil {
		klines.Close()
		return fmt.Errorf("subscribe ticker %s: %w", f.key, err)
	}

	f.mu.Lock()
	f.klines, f.ticker, f.started = klines, ticker, true
	f.mu.Unlock()

	go f.run(klines.Updates(), ticker.Updates())
	f.logger.Info("Upstream feed started")
	return nil
}

func (f *upstreamFeed) run(klines <-chan models.Candle, tickers <-chan models.TickerStats) {
	defer close(f.done)

	for klines != nil || tickers != nil {
		select {
		case <-f.ctx.Done():
			return
		case c, ok := <-klines:
			if !ok {
				f.logger.Warn("Kline stream ended")
				klines = nil
				continue
			}
			f.merge(c)
			f.out.BroadcastCandle(f.key, c)
		case st, ok := <-tickers:
			if !ok {
				f.logger.Warn("Ticker stream ended")
				tickers = nil
				continue
			}
			f.out.BroadcastTicker(f.key, models.NewTicker(st, &f.info))
		}
	}
}

// Stop closes the streams and waits a bounded time for the forwarder to
// exit. It is idempotent and safe after a failed Start.
func (f *upstreamFeed) Stop() {
	f.stopOnce.Do(func() {
		f.cancel()

		f.mu.RLock()
		klines, ticker, started := f.klines, f.ticker, f.started
		f.mu.RUnlock()

		if klines != nil {
			klines.Close()
		}
		if ticker != nil {
			ticker.Close()
		}
		if !started {
			return
		}

		timer := time.NewTimer(f.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-f.done:
			f.logger.Info("Upstream feed stopped")
		case <-timer.C:
			f.logger.Warn("Upstream feed did not stop in time")
		}
	})
}
