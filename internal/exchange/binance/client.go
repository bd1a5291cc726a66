// Package binance implements the upstream exchange contract against the
// Binance spot REST API and market streams.
package binance

import (
	"net/http"
	"net/url"
	"time"

	"chart-service/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const streamBuffer = 256

// Client talks to Binance over REST for history and metadata and over
// websocket streams for live klines and tickers
type Client struct {
	rest         *resty.Client
	dialer       *websocket.Dialer
	streamURL    string
	limiter      *RateLimiter
	reconnectMin time.Duration
	reconnectMax time.Duration
	readTimeout  time.Duration
	logger       *logrus.Logger
}

func NewClient(cfg config.UpstreamConfig, logger *logrus.Logger) *Client {
	rest := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(response *resty.Response, err error) bool {
			return err != nil || response.StatusCode() >= 500
		})

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	if cfg.ProxyURL != "" {
		if parsedURL, err := url.Parse(cfg.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(parsedURL)
			rest.SetProxy(cfg.ProxyURL)
		} else {
			logger.Warnf("Invalid proxy URL %s: %v", cfg.ProxyURL, err)
		}
	}

	reconnectMin := cfg.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax < reconnectMin {
		reconnectMax = reconnectMin
	}

	return &Client{
		rest:         rest,
		dialer:       dialer,
		streamURL:    cfg.StreamURL,
		limiter:      NewRateLimiter(cfg.RequestsPerSec, cfg.Burst),
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		readTimeout:  cfg.StreamReadLimit,
		logger:       logger,
	}
}

// Stats returns request pacing statistics
func (c *Client) Stats() map[string]interface{} {
	return c.limiter.Stats()
}

// backoff grows quadratically with consecutive failures up to reconnectMax
func (c *Client) backoff(failures int) time.Duration {
	d := c.reconnectMin * time.Duration(failures*failures)
	if d > c.reconnectMax || d <= 0 {
		return c.reconnectMax
	}
	return d
}
