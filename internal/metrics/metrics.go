package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Feed metrics
	ActiveFeeds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chart_active_feeds",
			Help: "Number of live upstream feeds",
		},
	)

	FeedLifecycle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_feed_lifecycle_total",
			Help: "Upstream feed lifecycle events",
		},
		[]string{"event"}, // started, stopped, start_failed
	)

	UpstreamFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_upstream_fetches_total",
			Help: "History snapshot fetches sent upstream",
		},
		[]string{"result"}, // ok, error
	)

	UpstreamFetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chart_upstream_fetch_latency_ms",
			Help:    "History snapshot fetch latency in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chart_active_subscriptions",
			Help: "Number of subscribed viewer connections",
		},
	)

	SubscribeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_subscribe_requests_total",
			Help: "Subscribe requests by result",
		},
		[]string{"result"}, // ok, invalid, unknown_symbol, upstream_error, superseded
	)

	// Broadcast metrics
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_broadcasts_total",
			Help: "Updates fanned out to subscribers",
		},
		[]string{"event"}, // candle, ticker
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chart_deliveries_total",
			Help: "Messages handed to viewer connections",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chart_send_failures_total",
			Help: "Messages that could not be handed to a viewer connection",
		},
	)

	DroppedPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chart_pending_dropped_total",
			Help: "Updates dropped from a full pending subscription buffer",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"}, // feed, memory, redis, symbols
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chart_cache_hit_ratio",
			Help: "Cache hit ratio by tier (0-1)",
		},
		[]string{"tier"},
	)

	// Exchange connection metrics
	ExchangeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chart_exchange_connections",
			Help: "Number of open exchange stream connections",
		},
	)

	ExchangeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_exchange_messages_total",
			Help: "Total stream messages received from the exchange",
		},
		[]string{"stream"}, // kline, ticker
	)

	ExchangeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_exchange_errors_total",
			Help: "Total exchange connection errors",
		},
		[]string{"error_type"}, // dial, read, parse, rate_limit
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"}, // candle, ticker
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chart_publish_dropped_total",
			Help: "Updates not mirrored because the publish queue was full",
		},
		[]string{"channel_type"},
	)

	// Viewer connections
	ViewerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chart_viewer_connections",
			Help: "Number of open viewer WebSocket connections",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastRate    float64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

// GetRate returns the rate since the previous sample, or the previous rate
// when less than a second has passed
func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return rt.lastRate
	}

	current := atomic.LoadInt64(&rt.count)
	rt.lastRate = float64(current-rt.lastCount) / elapsed
	rt.lastCount = current
	rt.lastUpdated = now

	return rt.lastRate
}

var broadcastTracker = NewRateTracker()

// TrackBroadcast records one fan-out of an update
func TrackBroadcast(event string, delivered int) {
	Broadcasts.WithLabelValues(event).Inc()
	Deliveries.Add(float64(delivered))
	broadcastTracker.Increment()
}

// GetBroadcastsPerSecond returns current broadcasts/sec
func GetBroadcastsPerSecond() float64 {
	return broadcastTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
	updateCacheHitRatio(tier)
}

// updateCacheHitRatio recomputes the hit ratio gauge from the counters
func updateCacheHitRatio(tier string) {
	hits, _ := CacheHits.GetMetricWithLabelValues(tier)
	misses, _ := CacheMisses.GetMetricWithLabelValues(tier)
	if hits == nil || misses == nil {
		return
	}

	hitsMetric := &dto.Metric{}
	missesMetric := &dto.Metric{}
	if hits.Write(hitsMetric) != nil || misses.Write(missesMetric) != nil {
		return
	}

	total := hitsMetric.Counter.GetValue() + missesMetric.Counter.GetValue()
	if total > 0 {
		CacheHitRatio.WithLabelValues(tier).Set(hitsMetric.Counter.GetValue() / total)
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}
