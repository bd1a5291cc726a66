package feed

import (
	"context"
	"errors"

	"chart-service/internal/cache"
	"chart-service/internal/exchange"
	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Stats summarizes the hub for status endpoints
type Stats struct {
	ActiveFeeds         int            `json:"activeFeeds"`
	Feeds               []string       `json:"feeds"`
	Subscriptions       int            `json:"subscriptions"`
	Groups              map[string]int `json:"groups"`
	BroadcastsPerSecond float64        `json:"broadcastsPerSecond"`
}

// Hub is the entry point used by the downstream transport. It keeps one
// upstream feed per subscribed key and routes its updates to the key's
// subscribers.
type Hub struct {
	directory *Directory
	registry  *Registry
	gateway   *Gateway
	newFeed   feedFactory
	logger    *logrus.Logger
}

// NewHub wires a directory, registry and gateway together. mirror may be nil.
func NewHub(
	upstream exchange.Upstream,
	snapshots cache.SnapshotCache,
	symbols SymbolResolver,
	transport Transport,
	mirror Mirror,
	opts Options,
	logger *logrus.Logger,
) *Hub {
	opts = opts.withDefaults()
	directory := NewDirectory(opts.PendingBuffer, opts.Strict, logger)
	gateway := NewGateway(directory, transport, mirror, logger)
	fetches := &singleflight.Group{}

	newFeed := func(key models.FeedKey, info models.SymbolInfo) feed {
		return newUpstreamFeed(key, info, upstream, snapshots, gateway, fetches, opts, logger)
	}
	registry := NewRegistry(newFeed, symbols, directory, logger)
	directory.OnEmpty(registry.Release)

	return &Hub{
		directory: directory,
		registry:  registry,
		gateway:   gateway,
		newFeed:   newFeed,
		logger:    logger,
	}
}

// Subscribe moves connID onto key: it registers the subscription, makes
// sure the key has a live feed, sends the history snapshot and only then
// starts live delivery. Updates emitted while the snapshot is in flight are
// buffered and delivered right after it. On failure the connection receives
// a SubscribeFailed event and keeps no subscription.
func (h *Hub) Subscribe(ctx context.Context, connID string, key models.FeedKey) error {
	log := h.logger.WithFields(logrus.Fields{"conn": connID, "key": key.String()})

	if err := key.Validate(); err != nil {
		metrics.SubscribeRequests.WithLabelValues("invalid").Inc()
		_ = h.gateway.SendError(connID, key, err.Error())
		return err
	}

	m := h.directory.Subscribe(connID, key)

	candles, err := h.registry.Ensure(ctx, key)
	if err != nil {
		h.directory.Drop(m)
		metrics.SubscribeRequests.WithLabelValues(subscribeFailure(err)).Inc()
		log.WithError(err).Warn("Subscribe failed")
		_ = h.gateway.SendError(connID, key, err.Error())
		return err
	}

	if err := h.gateway.SendSnapshot(connID, key, candles); err != nil {
		h.directory.Drop(m)
		return err
	}

	if !h.directory.Activate(m, h.gateway.flushTo(connID)) {
		// superseded by a newer subscribe or the connection went away
		metrics.SubscribeRequests.WithLabelValues("superseded").Inc()
		h.registry.Release(key)
		return nil
	}

	metrics.SubscribeRequests.WithLabelValues("ok").Inc()
	log.Debugf("Subscribed with %d history candles", len(candles))
	return nil
}

// Unsubscribe removes the subscription of connID to key. A key the
// connection is not subscribed to is ignored.
func (h *Hub) Unsubscribe(connID string, key models.FeedKey) bool {
	return h.directory.UnsubscribeKey(connID, key)
}

// Disconnect drops every trace of connID
func (h *Hub) Disconnect(connID string) {
	h.directory.Disconnect(connID)
}

// Prewarm loads the history of keys into the snapshot cache without
// opening live streams
func (h *Hub) Prewarm(ctx context.Context, keys []models.FeedKey) int {
	warmed := 0
	for _, key := range keys {
		f := h.newFeed(key, models.SymbolInfo{Symbol: key.Symbol})
		if _, err := f.Snapshot(ctx); err != nil {
			h.logger.WithError(err).WithField("key", key.String()).Warn("Failed to prewarm snapshot")
		} else {
			warmed++
		}
		f.Stop()
	}
	return warmed
}

func (h *Hub) Stats() Stats {
	return Stats{
		ActiveFeeds:         h.registry.ActiveFeeds(),
		Feeds:               h.registry.Keys(),
		Subscriptions:       h.directory.Len(),
		Groups:              h.directory.Counts(),
		BroadcastsPerSecond: metrics.GetBroadcastsPerSecond(),
	}
}

// Close stops every upstream feed and the update mirror
func (h *Hub) Close() {
	h.registry.Close()
	h.gateway.Close()
}

func subscribeFailure(err error) string {
	switch {
	case errors.Is(err, exchange.ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "upstream_error"
	}
}
