package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"chart-service/internal/cache"
	"chart-service/internal/exchange"
	"chart-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	btc1m = models.NewFeedKey("BTCUSDT", "1m")
	eth1m = models.NewFeedKey("ETHUSDT", "1m")
	btc5m = models.NewFeedKey("BTCUSDT", "5m")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func candle(minute int, close string) models.Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
	return models.Candle{
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("110"),
		Low:       decimal.RequireFromString("90"),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.RequireFromString("1"),
		IsClosed:  true,
	}
}

func history(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = candle(i, fmt.Sprintf("%d", 100+i))
	}
	return out
}

// fakeUpstream records calls and exposes the streams it hands out
type fakeUpstream struct {
	mu           sync.Mutex
	klinesCalls  map[models.FeedKey]int
	klineSubs    map[models.FeedKey]int
	klinePipes   map[models.FeedKey]*exchange.Pipe[models.Candle]
	tickerPipes  map[string]*exchange.Pipe[models.TickerStats]
	history      []models.Candle
	fetchErr     error
	subscribeErr error
	block        chan struct{}
	fetchStarted chan struct{}
}

func newFakeUpstream(candles []models.Candle) *fakeUpstream {
	return &fakeUpstream{
		klinesCalls: make(map[models.FeedKey]int),
		klineSubs:   make(map[models.FeedKey]int),
		klinePipes:  make(map[models.FeedKey]*exchange.Pipe[models.Candle]),
		tickerPipes: make(map[string]*exchange.Pipe[models.TickerStats]),
		history:     candles,
	}
}

func (u *fakeUpstream) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	u.mu.Lock()
	u.klinesCalls[models.NewFeedKey(symbol, interval)]++
	block, started, err := u.block, u.fetchStarted, u.fetchErr
	out := append([]models.Candle(nil), u.history...)
	u.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (u *fakeUpstream) SubscribeKlines(_ context.Context, symbol, interval string) (exchange.Stream[models.Candle], error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.subscribeErr != nil {
		return nil, u.subscribeErr
	}
	key := models.NewFeedKey(symbol, interval)
	u.klineSubs[key]++
	p := exchange.NewPipe[models.Candle](16, nil)
	u.klinePipes[key] = p
	return p, nil
}

func (u *fakeUpstream) SubscribeTicker(_ context.Context, symbol string) (exchange.Stream[models.TickerStats], error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := exchange.NewPipe[models.TickerStats](16, nil)
	u.tickerPipes[symbol] = p
	return p, nil
}

func (u *fakeUpstream) fetches(key models.FeedKey) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.klinesCalls[key]
}

func (u *fakeUpstream) subscriptions(key models.FeedKey) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.klineSubs[key]
}

func (u *fakeUpstream) klinePipe(t *testing.T, key models.FeedKey) *exchange.Pipe[models.Candle] {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.klinePipes[key]
	require.True(t, ok, "no kline stream for %s", key)
	return p
}

func (u *fakeUpstream) pushCandle(t *testing.T, key models.FeedKey, c models.Candle) {
	t.Helper()
	require.True(t, u.klinePipe(t, key).Send(context.Background(), c))
}

func (u *fakeUpstream) pushTicker(t *testing.T, symbol string, st models.TickerStats) {
	t.Helper()
	u.mu.Lock()
	p := u.tickerPipes[symbol]
	u.mu.Unlock()
	require.NotNil(t, p)
	require.True(t, p.Send(context.Background(), st))
}

func (u *fakeUpstream) streamClosed(t *testing.T, key models.FeedKey) bool {
	t.Helper()
	select {
	case <-u.klinePipe(t, key).Done():
		return true
	default:
		return false
	}
}

// fakeSymbols knows a fixed set of symbols
type fakeSymbols map[string]models.SymbolInfo

func (s fakeSymbols) Resolve(_ context.Context, symbol string) (models.SymbolInfo, error) {
	info, ok := s[symbol]
	if !ok {
		return models.SymbolInfo{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	return info, nil
}

var knownSymbols = fakeSymbols{
	"BTCUSDT": {Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", Precision: 2},
	"ETHUSDT": {Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", Precision: 2},
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// recorder is a Transport that keeps every message per connection
type recorder struct {
	mu     sync.Mutex
	msgs   map[string][]received
	failed map[string]bool
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]received), failed: make(map[string]bool)}
}

func (r *recorder) Send(connID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed[connID] {
		return fmt.Errorf("%w: %s", ErrTransportSend, connID)
	}
	var m received
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	r.msgs[connID] = append(r.msgs[connID], m)
	return nil
}

func (r *recorder) fail(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[connID] = true
}

func (r *recorder) messages(connID string) []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs[connID]...)
}

func (r *recorder) events(connID string) []string {
	var out []string
	for _, m := range r.messages(connID) {
		out = append(out, m.Event)
	}
	return out
}

func (r *recorder) count(connID, event string) int {
	n := 0
	for _, e := range r.events(connID) {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, connID, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(connID, event) >= n },
		2*time.Second, 5*time.Millisecond, "%s never received %d %s", connID, n, event)
}

func (r *recorder) history(t *testing.T, connID string) models.HistoryCandlesMessage {
	t.Helper()
	for _, m := range r.messages(connID) {
		if m.Event == models.EventHistoryCandles {
			var msg models.HistoryCandlesMessage
			require.NoError(t, json.Unmarshal(m.Data, &msg))
			return msg
		}
	}
	t.Fatalf("%s received no history", connID)
	return models.HistoryCandlesMessage{}
}

type hubFixture struct {
	hub       *Hub
	upstream  *fakeUpstream
	transport *recorder
	snapshots *cache.MemorySnapshotCache
}

func newHubFixture(t *testing.T, candles []models.Candle, ttl time.Duration) *hubFixture {
	t.Helper()
	return newMirroredHubFixture(t, candles, ttl, nil)
}

func newMirroredHubFixture(t *testing.T, candles []models.Candle, ttl time.Duration, mirror Mirror) *hubFixture {
	t.Helper()
	up := newFakeUpstream(candles)
	tr := newRecorder()
	snapshots := cache.NewMemorySnapshotCache(ttl)
	hub := NewHub(up, snapshots, knownSymbols, tr, mirror, Options{
		SnapshotTTL:  ttl,
		StopTimeout:  time.Second,
		FetchTimeout: time.Second,
		Strict:       true,
	}, testLogger())
	t.Cleanup(hub.Close)
	return &hubFixture{hub: hub, upstream: up, transport: tr, snapshots: snapshots}
}
