package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candleAt(minute int, close string) Candle {
	open := time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)
	return Candle{
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("110"),
		Low:       decimal.RequireFromString("90"),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.RequireFromString("1.5"),
	}
}

func TestMergeCandle(t *testing.T) {
	series := []Candle{candleAt(0, "100"), candleAt(1, "101")}

	t.Run("same open time replaces last", func(t *testing.T) {
		merged, changed := MergeCandle(series, candleAt(1, "105"), 1000)
		require.True(t, changed)
		require.Len(t, merged, 2)
		assert.Equal(t, "105", merged[1].Close.String())
		assert.Equal(t, "101", series[1].Close.String(), "input must stay untouched")
	})

	t.Run("newer open time appends", func(t *testing.T) {
		merged, changed := MergeCandle(series, candleAt(2, "102"), 1000)
		require.True(t, changed)
		require.Len(t, merged, 3)
		assert.True(t, merged[2].OpenTime.After(merged[1].OpenTime))
	})

	t.Run("append trims to limit", func(t *testing.T) {
		merged, changed := MergeCandle(series, candleAt(2, "102"), 2)
		require.True(t, changed)
		require.Len(t, merged, 2)
		assert.Equal(t, candleAt(1, "101").OpenTime, merged[0].OpenTime)
		assert.Equal(t, candleAt(2, "102").OpenTime, merged[1].OpenTime)
	})

	t.Run("older candle is ignored", func(t *testing.T) {
		merged, changed := MergeCandle(series, candleAt(0, "99"), 1000)
		assert.False(t, changed)
		assert.Equal(t, series, merged)
	})

	t.Run("empty series", func(t *testing.T) {
		merged, changed := MergeCandle(nil, candleAt(0, "99"), 1000)
		assert.True(t, changed)
		assert.Len(t, merged, 1)
	})
}

func TestCandleJSON(t *testing.T) {
	c := candleAt(3, "101.25")
	c.IsClosed = true

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"openTime": 1704067380000,
		"closeTime": 1704067439999,
		"open": "100", "high": "110", "low": "90", "close": "101.25",
		"volume": "1.5", "isClosed": true
	}`, string(data))

	var back Candle
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.OpenTime.Equal(c.OpenTime))
	assert.True(t, back.Close.Equal(c.Close))
	assert.True(t, back.IsClosed)
}

func TestFeedKey(t *testing.T) {
	k := NewFeedKey("BTCUSDT", "1m")
	assert.Equal(t, "BTCUSDT_1m", k.String())
	assert.NoError(t, k.Validate())
	assert.NotEqual(t, k, NewFeedKey("btcusdt", "1m"))

	assert.ErrorIs(t, NewFeedKey("", "1m").Validate(), ErrInvalidKey)
	assert.ErrorIs(t, NewFeedKey("BTCUSDT", "7m").Validate(), ErrInvalidKey)

	parsed, err := ParseFeedKey("ETH_USDT_4h")
	require.NoError(t, err)
	assert.Equal(t, NewFeedKey("ETH_USDT", "4h"), parsed)

	_, err = ParseFeedKey("BTCUSDT")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPrecisionFromTickSize(t *testing.T) {
	assert.Equal(t, 2, PrecisionFromTickSize(decimal.RequireFromString("0.01000000")))
	assert.Equal(t, 8, PrecisionFromTickSize(decimal.RequireFromString("0.00000001")))
	assert.Equal(t, 0, PrecisionFromTickSize(decimal.RequireFromString("1.00000000")))
	assert.Equal(t, 0, PrecisionFromTickSize(decimal.Zero))
}

func TestEncodeEvent(t *testing.T) {
	key := NewFeedKey("BTCUSDT", "1m")

	data, err := EncodeEvent(EventHistoryCandles, NewHistoryCandlesMessage(key, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ReceiveHistoryCandles","data":{"symbolCheck":"BTCUSDT","intervalCheck":"1m","historyCandles":[]}}`, string(data))

	ticker := NewTicker(TickerStats{LastPrice: decimal.RequireFromString("42000.1")}, &SymbolInfo{BaseAsset: "BTC", QuoteAsset: "USDT"})
	data, err = EncodeEvent(EventRealtimeTicker, NewRealtimeTickerMessage(key, ticker))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"baseAsset":"BTC"`)
	assert.Contains(t, string(data), `"lastPrice":"42000.1"`)
}
