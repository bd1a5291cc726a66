package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"chart-service/internal/exchange"
	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SubscribeKlines opens the <symbol>@kline_<interval> stream
func (c *Client) SubscribeKlines(ctx context.Context, symbol, interval string) (exchange.Stream[models.Candle], error) {
	name := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	pipe, err := subscribe(ctx, c, name, "kline", parseKline)
	if err != nil {
		return nil, err
	}
	return pipe, nil
}

// SubscribeTicker opens the <symbol>@ticker stream
func (c *Client) SubscribeTicker(ctx context.Context, symbol string) (exchange.Stream[models.TickerStats], error) {
	name := strings.ToLower(symbol) + "@ticker"
	pipe, err := subscribe(ctx, c, name, "ticker", parseTicker)
	if err != nil {
		return nil, err
	}
	return pipe, nil
}

// streamConn holds the live socket of a stream across reconnects
type streamConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *streamConn) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swap installs a new socket unless the stream was closed meanwhile
func (s *streamConn) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *streamConn) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
}

// subscribe dials synchronously so the caller learns about an unreachable
// exchange, then keeps the stream alive in the background until closed
func subscribe[T any](ctx context.Context, c *Client, name, kind string, parse func([]byte) (T, bool)) (*exchange.Pipe[T], error) {
	conn, err := c.dial(ctx, name)
	if err != nil {
		return nil, err
	}

	s := &streamConn{conn: conn}
	pipe := exchange.NewPipe[T](streamBuffer, s.close)
	go run(c, s, pipe, name, kind, parse)

	return pipe, nil
}

func run[T any](c *Client, s *streamConn, pipe *exchange.Pipe[T], name, kind string, parse func([]byte) (T, bool)) {
	defer pipe.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-pipe.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := c.logger.WithField("stream", name)
	metrics.ExchangeConnections.Inc()

	for {
		err := readStream(ctx, c, s.current(), pipe, kind, parse)
		metrics.ExchangeConnections.Dec()
		if ctx.Err() != nil {
			return
		}

		metrics.ExchangeErrors.WithLabelValues("read").Inc()
		log.WithError(err).Warn("Stream disconnected, reconnecting")

		if !reconnect(ctx, c, s, name, log) {
			return
		}
		metrics.ExchangeConnections.Inc()
	}
}

func readStream[T any](ctx context.Context, c *Client, conn *websocket.Conn, pipe *exchange.Pipe[T], kind string, parse func([]byte) (T, bool)) error {
	for {
		if c.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		metrics.ExchangeMessages.WithLabelValues(kind).Inc()

		v, ok := parse(message)
		if !ok {
			continue // acks and unrelated events
		}
		if !pipe.Send(ctx, v) {
			return ctx.Err()
		}
	}
}

// reconnect redials with growing backoff until it succeeds or the stream is closed
func reconnect(ctx context.Context, c *Client, s *streamConn, name string, log *logrus.Entry) bool {
	for failures := 1; ; failures++ {
		wait := c.backoff(failures)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return false
		}

		conn, err := c.dial(ctx, name)
		if err != nil {
			log.WithError(err).Warnf("Reconnect attempt %d failed (backoff: %v)", failures, wait)
			continue
		}

		if !s.swap(conn) {
			return false
		}
		log.Infof("Stream reconnected after %d attempt(s)", failures)
		return true
	}
}

func (c *Client) dial(ctx context.Context, name string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL+"/"+name, nil)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("dial").Inc()
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot) {
			c.limiter.RecordRateLimitHit()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", exchange.ErrUpstreamUnavailable, name, err)
	}
	return conn, nil
}
