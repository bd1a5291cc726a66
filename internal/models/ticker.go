package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerStats is a rolling 24h statistics update as received from the exchange
type TickerStats struct {
	Symbol        string
	LastPrice     decimal.Decimal
	Change        decimal.Decimal
	PercentChange decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Volume        decimal.Decimal
	EventTime     time.Time
}

// Ticker is the downstream view of the 24h statistics, replaced wholesale on
// every update
type Ticker struct {
	LastPrice     decimal.Decimal `json:"lastPrice"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percentChange"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	BaseAsset     string          `json:"baseAsset"`
	QuoteAsset    string          `json:"quoteAsset"`
}

// NewTicker builds a Ticker from stats, taking assets from info when known
func NewTicker(stats TickerStats, info *SymbolInfo) Ticker {
	t := Ticker{
		LastPrice:     stats.LastPrice,
		Change:        stats.Change,
		PercentChange: stats.PercentChange,
		High:          stats.High,
		Low:           stats.Low,
		Volume:        stats.Volume,
	}
	if info != nil {
		t.BaseAsset = info.BaseAsset
		t.QuoteAsset = info.QuoteAsset
	}
	return t
}
