package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar of a kline series
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}

// CandleResponse is the wire format of a candle (times in milliseconds)
type CandleResponse struct {
	OpenTime  int64           `json:"openTime"`
	CloseTime int64           `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"isClosed"`
}

// ToResponse converts Candle to its wire format
func (c Candle) ToResponse() CandleResponse {
	return CandleResponse{
		OpenTime:  c.OpenTime.UnixMilli(),
		CloseTime: c.CloseTime.UnixMilli(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		IsClosed:  c.IsClosed,
	}
}

func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToResponse())
}

func (c *Candle) UnmarshalJSON(data []byte) error {
	var r CandleResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = Candle{
		OpenTime:  time.UnixMilli(r.OpenTime).UTC(),
		CloseTime: time.UnixMilli(r.CloseTime).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		IsClosed:  r.IsClosed,
	}
	return nil
}

// MergeCandle folds a live candle into a series ordered oldest to newest.
// A candle with the same open time as the last one replaces it, a newer one
// is appended (trimming the oldest entries beyond limit) and an older one is
// ignored. The input slice is never modified; changed reports whether a new
// slice was produced.
func MergeCandle(series []Candle, c Candle, limit int) (merged []Candle, changed bool) {
	n := len(series)
	if n == 0 {
		return []Candle{c}, true
	}

	last := series[n-1]
	switch {
	case c.OpenTime.Equal(last.OpenTime):
		merged = make([]Candle, n)
		copy(merged, series)
		merged[n-1] = c
		return merged, true
	case c.OpenTime.After(last.OpenTime):
		start := 0
		if limit > 0 && n+1 > limit {
			start = n + 1 - limit
		}
		merged = make([]Candle, 0, n+1-start)
		merged = append(merged, series[start:]...)
		merged = append(merged, c)
		return merged, true
	default:
		return series, false
	}
}

// ValidIntervals returns list of kline intervals the exchange streams
func ValidIntervals() []string {
	return []string{
		"1s", "1m", "3m", "5m", "15m", "30m",
		"1h", "2h", "4h", "6h", "8h", "12h",
		"1d", "3d", "1w", "1M",
	}
}
