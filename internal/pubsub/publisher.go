package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"chart-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Publisher mirrors live chart updates onto Redis channels so other
// processes can follow a feed without opening their own upstream stream
type Publisher struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, prefix string, logger *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = "chart:market"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// CandleChannel returns the channel live candles of key are published on
func (p *Publisher) CandleChannel(key models.FeedKey) string {
	return fmt.Sprintf("%s:candle:%s:%s", p.prefix, key.Symbol, key.Interval)
}

// TickerChannel returns the channel the feed of key publishes its ticker
// updates on. Every interval of a symbol runs its own feed, so the channel
// carries the interval too.
func (p *Publisher) TickerChannel(key models.FeedKey) string {
	return fmt.Sprintf("%s:ticker:%s:%s", p.prefix, key.Symbol, key.Interval)
}

// MirrorCandle publishes a live candle update to Redis
func (p *Publisher) MirrorCandle(ctx context.Context, key models.FeedKey, candle models.Candle) error {
	data, err := json.Marshal(models.NewRealtimeCandleMessage(key, candle))
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.CandleChannel(key), data).Err()
}

// MirrorTicker publishes a ticker update to Redis
func (p *Publisher) MirrorTicker(ctx context.Context, key models.FeedKey, ticker models.Ticker) error {
	data, err := json.Marshal(models.NewRealtimeTickerMessage(key, ticker))
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.TickerChannel(key), data).Err()
}
