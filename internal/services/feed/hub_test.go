package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chart-service/internal/exchange"
	"chart-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleUpstreamPerKey(t *testing.T) {
	f := newHubFixture(t, history(10), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.hub.Subscribe(context.Background(), fmt.Sprintf("conn-%d", i), btc1m))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.upstream.subscriptions(btc1m))
	assert.Equal(t, 1, f.upstream.fetches(btc1m))
	assert.Equal(t, 1, f.hub.Stats().ActiveFeeds)
	assert.Equal(t, 50, f.hub.Stats().Groups[btc1m.String()])

	for i := 0; i < 50; i++ {
		assert.Equal(t, 1, f.transport.count(fmt.Sprintf("conn-%d", i), models.EventHistoryCandles))
	}
}

func TestSnapshotFreshness(t *testing.T) {
	f := newHubFixture(t, history(5), 80*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "b", btc1m))
	assert.Equal(t, 1, f.upstream.fetches(btc1m), "second subscriber within TTL must not refetch")

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.hub.Subscribe(ctx, "c", btc1m))
	assert.Equal(t, 2, f.upstream.fetches(btc1m), "expired snapshot must be refetched")
	assert.Equal(t, 1, f.upstream.subscriptions(btc1m))
}

func TestSnapshotShape(t *testing.T) {
	f := newHubFixture(t, history(1200), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	msg := f.transport.history(t, "a")
	assert.Equal(t, "BTCUSDT", msg.SymbolCheck)
	assert.Equal(t, "1m", msg.IntervalCheck)
	require.Len(t, msg.HistoryCandles, 1000)
	for i := 1; i < len(msg.HistoryCandles); i++ {
		require.True(t, msg.HistoryCandles[i].OpenTime.After(msg.HistoryCandles[i-1].OpenTime))
	}

	// an in-progress update of the last candle replaces it in place
	last := msg.HistoryCandles[999]
	update := last
	update.Close = decimal.RequireFromString("4242")
	f.upstream.pushCandle(t, btc1m, update)
	f.transport.waitFor(t, "a", models.EventRealtimeCandle, 1)

	require.NoError(t, f.hub.Subscribe(ctx, "b", btc1m))
	merged := f.transport.history(t, "b")
	require.Len(t, merged.HistoryCandles, 1000)
	assert.True(t, merged.HistoryCandles[999].OpenTime.Equal(last.OpenTime))
	assert.Equal(t, "4242", merged.HistoryCandles[999].Close.String())
	assert.Equal(t, 1, f.upstream.fetches(btc1m))
}

func TestFanOutAddressing(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "b", eth1m))

	f.upstream.pushCandle(t, btc1m, candle(3, "200"))
	f.transport.waitFor(t, "a", models.EventRealtimeCandle, 1)

	f.upstream.pushTicker(t, "ETHUSDT", models.TickerStats{Symbol: "ETHUSDT", LastPrice: decimal.RequireFromString("2500")})
	f.transport.waitFor(t, "b", models.EventRealtimeTicker, 1)

	assert.Equal(t, 0, f.transport.count("b", models.EventRealtimeCandle))
	assert.Equal(t, 0, f.transport.count("a", models.EventRealtimeTicker))

	var ticker models.RealtimeTickerMessage
	for _, m := range f.transport.messages("b") {
		if m.Event == models.EventRealtimeTicker {
			require.NoError(t, json.Unmarshal(m.Data, &ticker))
		}
	}
	assert.Equal(t, "ETHUSDT", ticker.SymbolCheck)
	assert.Equal(t, "ETH", ticker.NewTicker.BaseAsset)
	assert.Equal(t, "USDT", ticker.NewTicker.QuoteAsset)
	assert.Equal(t, "2500", ticker.NewTicker.LastPrice.String())
}

func TestResubscribeReplaces(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "a", btc5m))

	assert.True(t, f.upstream.streamClosed(t, btc1m), "abandoned key must release its feed")
	assert.Equal(t, []string{btc5m.String()}, f.hub.Stats().Feeds)
	key, ok := f.hub.directory.KeyOf("a")
	require.True(t, ok)
	assert.Equal(t, btc5m, key)

	f.upstream.pushCandle(t, btc5m, candle(3, "300"))
	f.transport.waitFor(t, "a", models.EventRealtimeCandle, 1)
	assert.Equal(t, 1, f.transport.count("a", models.EventRealtimeCandle))
}

func TestResubscribeSameKey(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))

	assert.Equal(t, 1, f.upstream.subscriptions(btc1m))
	assert.False(t, f.upstream.streamClosed(t, btc1m))
	assert.Equal(t, 2, f.transport.count("a", models.EventHistoryCandles))
	assert.Equal(t, 1, f.hub.directory.Count(btc1m))
}

func TestCleanupOnDisconnect(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "b", btc1m))

	f.hub.Disconnect("a")
	assert.False(t, f.upstream.streamClosed(t, btc1m))
	assert.Equal(t, 1, f.hub.Stats().ActiveFeeds)

	f.hub.Disconnect("b")
	assert.True(t, f.upstream.streamClosed(t, btc1m))
	assert.Equal(t, 0, f.hub.Stats().ActiveFeeds)
	assert.Equal(t, 0, f.hub.Stats().Subscriptions)
	assert.Empty(t, f.hub.directory.MembersOf(btc1m))

	// a later subscriber gets a brand new feed
	require.NoError(t, f.hub.Subscribe(ctx, "c", btc1m))
	assert.Equal(t, 2, f.upstream.subscriptions(btc1m))
}

func TestUnsubscribeThenDisconnect(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))

	assert.False(t, f.hub.Unsubscribe("a", eth1m), "other key is a no-op")
	assert.True(t, f.hub.Unsubscribe("a", btc1m))
	assert.False(t, f.hub.Unsubscribe("a", btc1m))
	assert.True(t, f.upstream.streamClosed(t, btc1m))

	assert.NotPanics(t, func() {
		f.hub.Disconnect("a")
		f.hub.Disconnect("a")
		f.hub.Disconnect("never-seen")
	})
	assert.Equal(t, 0, f.hub.Stats().Subscriptions)
}

func TestSubscribeUnknownSymbol(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)

	unknown := models.NewFeedKey("NOPEUSDT", "1m")
	err := f.hub.Subscribe(context.Background(), "a", unknown)
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)
	assert.Equal(t, []string{models.EventSubscribeFailed}, f.transport.events("a"))
	assert.Equal(t, 0, f.upstream.subscriptions(unknown), "no stream opens for an unresolved symbol")
	assert.Equal(t, 0, f.upstream.fetches(unknown))
	assert.Equal(t, 0, f.hub.Stats().ActiveFeeds)
	assert.Equal(t, 0, f.hub.Stats().Subscriptions)
}

func TestSubscribeInvalidKey(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)

	err := f.hub.Subscribe(context.Background(), "a", models.NewFeedKey("BTCUSDT", "2m"))
	assert.ErrorIs(t, err, models.ErrInvalidKey)
	assert.Equal(t, []string{models.EventSubscribeFailed}, f.transport.events("a"))
	assert.Equal(t, 0, f.upstream.subscriptions(models.NewFeedKey("BTCUSDT", "2m")))
}

func TestSubscribeRollsBackOnFetchFailure(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	f.upstream.fetchErr = fmt.Errorf("%w: boom", exchange.ErrUpstreamUnavailable)

	err := f.hub.Subscribe(context.Background(), "a", btc1m)
	assert.ErrorIs(t, err, exchange.ErrUpstreamUnavailable)
	assert.True(t, f.upstream.streamClosed(t, btc1m), "partially started feed must be stopped")
	assert.Equal(t, 0, f.hub.Stats().ActiveFeeds)
	assert.Equal(t, 0, f.hub.directory.Count(btc1m))
	assert.Equal(t, 1, f.transport.count("a", models.EventSubscribeFailed))

	f.upstream.mu.Lock()
	f.upstream.fetchErr = nil
	f.upstream.mu.Unlock()

	require.NoError(t, f.hub.Subscribe(context.Background(), "a", btc1m))
	assert.Equal(t, 2, f.upstream.subscriptions(btc1m))
	assert.Equal(t, 1, f.hub.Stats().ActiveFeeds)
}

func TestSubscribeStreamFailure(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	f.upstream.subscribeErr = errors.New("dial failed")

	err := f.hub.Subscribe(context.Background(), "a", btc1m)
	require.Error(t, err)
	assert.Equal(t, 0, f.upstream.fetches(btc1m))
	assert.Equal(t, 0, f.hub.Stats().ActiveFeeds)
}

func TestUpdatesDuringSnapshotAreDeliveredAfterIt(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	f.upstream.block = make(chan struct{})
	f.upstream.fetchStarted = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- f.hub.Subscribe(context.Background(), "a", btc1m) }()

	select {
	case <-f.upstream.fetchStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	// the streams are open while the history is still loading
	f.upstream.pushCandle(t, btc1m, candle(3, "103"))
	f.upstream.pushCandle(t, btc1m, candle(4, "104"))
	require.Eventually(t, func() bool {
		v, ok := f.hub.directory.buckets.Load(btc1m)
		if !ok {
			return false
		}
		b := v.(*bucket)
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.members["a"].pending) == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(f.upstream.block)
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{
		models.EventHistoryCandles,
		models.EventRealtimeCandle,
		models.EventRealtimeCandle,
	}, f.transport.events("a"))
}

func TestSendFailureIsolation(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	require.NoError(t, f.hub.Subscribe(ctx, "b", btc1m))
	f.transport.fail("a")

	f.upstream.pushCandle(t, btc1m, candle(3, "200"))
	f.transport.waitFor(t, "b", models.EventRealtimeCandle, 1)
	assert.Equal(t, 0, f.transport.count("a", models.EventRealtimeCandle))
}

func TestPrewarm(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	ctx := context.Background()

	assert.Equal(t, 2, f.hub.Prewarm(ctx, []models.FeedKey{btc1m, eth1m}))
	assert.Equal(t, 0, f.hub.Stats().ActiveFeeds)
	assert.Equal(t, 0, f.upstream.subscriptions(btc1m))

	snap, err := f.snapshots.Get(ctx, btc1m)
	require.NoError(t, err)
	assert.Len(t, snap.Candles, 3)

	require.NoError(t, f.hub.Subscribe(ctx, "a", btc1m))
	assert.Equal(t, 1, f.upstream.fetches(btc1m), "subscriber must be served from the warmed cache")
}

func TestConcurrentChurn(t *testing.T) {
	f := newHubFixture(t, history(3), time.Minute)
	keys := []models.FeedKey{btc1m, eth1m, btc5m}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			for j := 0; j < 10; j++ {
				_ = f.hub.Subscribe(context.Background(), conn, keys[(i+j)%len(keys)])
				if j%3 == 0 {
					f.hub.Unsubscribe(conn, keys[(i+j)%len(keys)])
				}
			}
			f.hub.Disconnect(conn)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.hub.Stats().ActiveFeeds == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.hub.Stats().Subscriptions)
	assert.Empty(t, f.hub.Stats().Groups)
}
