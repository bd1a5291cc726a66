package feed

import (
	"context"
	"errors"
	"time"

	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrTransportSend is wrapped by transports when a message cannot be handed
// to a connection
var ErrTransportSend = errors.New("transport send failed")

// Transport delivers encoded messages to downstream connections. Send must
// not block and must not call back into the hub.
type Transport interface {
	Send(connID string, payload []byte) error
}

// Mirror republishes live updates outside the process
type Mirror interface {
	MirrorCandle(ctx context.Context, key models.FeedKey, candle models.Candle) error
	MirrorTicker(ctx context.Context, key models.FeedKey, ticker models.Ticker) error
}

const (
	mirrorTimeout   = time.Second
	mirrorQueueSize = 256
)

type mirrorJob struct {
	kind    string
	publish func(ctx context.Context) error
}

// Gateway encodes events and addresses them to single connections or to the
// current members of a key. Mirror publishes run on their own goroutine
// behind a bounded queue and never delay delivery.
type Gateway struct {
	directory *Directory
	transport Transport
	mirror    Mirror
	logger    *logrus.Logger

	mirrorQueue chan mirrorJob
	stopMirror  context.CancelFunc
	mirrorDone  chan struct{}
}

// NewGateway creates a gateway; mirror may be nil
func NewGateway(directory *Directory, transport Transport, mirror Mirror, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		directory: directory,
		transport: transport,
		mirror:    mirror,
		logger:    logger,
	}
	if mirror != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.mirrorQueue = make(chan mirrorJob, mirrorQueueSize)
		g.stopMirror = cancel
		g.mirrorDone = make(chan struct{})
		go g.runMirror(ctx)
	}
	return g
}

// SendSnapshot sends the history of key to one connection
func (g *Gateway) SendSnapshot(connID string, key models.FeedKey, candles []models.Candle) error {
	payload, err := models.EncodeEvent(models.EventHistoryCandles, models.NewHistoryCandlesMessage(key, candles))
	if err != nil {
		return err
	}
	return g.sendTo(connID, payload)
}

// SendError tells one connection that its subscription to key failed
func (g *Gateway) SendError(connID string, key models.FeedKey, reason string) error {
	payload, err := models.EncodeEvent(models.EventSubscribeFailed, models.SubscribeFailedMessage{
		SymbolCheck:   key.Symbol,
		IntervalCheck: key.Interval,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	return g.sendTo(connID, payload)
}

// BroadcastCandle sends a live candle to every member of key and returns
// how many connections it was handed to
func (g *Gateway) BroadcastCandle(key models.FeedKey, candle models.Candle) int {
	delivered := g.broadcast(key, "candle", models.EventRealtimeCandle, models.NewRealtimeCandleMessage(key, candle))
	if g.mirror != nil {
		g.enqueueMirror("candle", func(ctx context.Context) error {
			return g.mirror.MirrorCandle(ctx, key, candle)
		})
	}
	return delivered
}

// BroadcastTicker sends a ticker update to every member of key
func (g *Gateway) BroadcastTicker(key models.FeedKey, ticker models.Ticker) int {
	delivered := g.broadcast(key, "ticker", models.EventRealtimeTicker, models.NewRealtimeTickerMessage(key, ticker))
	if g.mirror != nil {
		g.enqueueMirror("ticker", func(ctx context.Context) error {
			return g.mirror.MirrorTicker(ctx, key, ticker)
		})
	}
	return delivered
}

// Close stops the mirror worker, abandoning queued publishes
func (g *Gateway) Close() {
	if g.stopMirror == nil {
		return
	}
	g.stopMirror()
	<-g.mirrorDone
}

func (g *Gateway) broadcast(key models.FeedKey, kind, event string, data interface{}) int {
	// encoded once, shared by every recipient
	payload, err := models.EncodeEvent(event, data)
	if err != nil {
		g.logger.WithError(err).WithField("key", key.String()).Error("Failed to encode update")
		return 0
	}

	delivered := g.directory.Deliver(key, payload, func(connID string, payload []byte) {
		_ = g.sendTo(connID, payload)
	})
	metrics.TrackBroadcast(kind, delivered)
	return delivered
}

// flushTo returns a flush function replaying buffered updates to connID
func (g *Gateway) flushTo(connID string) func([]byte) {
	return func(payload []byte) {
		_ = g.sendTo(connID, payload)
	}
}

func (g *Gateway) sendTo(connID string, payload []byte) error {
	if err := g.transport.Send(connID, payload); err != nil {
		metrics.SendFailures.Inc()
		g.logger.WithError(err).WithField("conn", connID).Debug("Dropping message for connection")
		return err
	}
	return nil
}

// enqueueMirror drops the update when the queue is full
func (g *Gateway) enqueueMirror(kind string, publish func(ctx context.Context) error) {
	select {
	case g.mirrorQueue <- mirrorJob{kind: kind, publish: publish}:
	default:
		metrics.PublishDropped.WithLabelValues(kind).Inc()
	}
}

func (g *Gateway) runMirror(ctx context.Context) {
	defer close(g.mirrorDone)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-g.mirrorQueue:
			publishCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			g.publish(job.kind, job.publish(publishCtx))
			cancel()
		}
	}
}

func (g *Gateway) publish(kind string, err error) {
	if err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		g.logger.WithError(err).Warnf("Failed to mirror %s update", kind)
		return
	}
	metrics.PublishSuccess.WithLabelValues(kind).Inc()
}
