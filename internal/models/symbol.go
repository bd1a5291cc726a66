package models

import (
	"github.com/shopspring/decimal"
)

// SymbolInfo is exchange metadata for one trading pair
type SymbolInfo struct {
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	TickSize   decimal.Decimal `json:"tickSize"`
	Precision  int             `json:"precision"`
}

// PrecisionFromTickSize returns the number of price decimals implied by the
// tick size, e.g. 0.01000000 -> 2
func PrecisionFromTickSize(tick decimal.Decimal) int {
	if !tick.IsPositive() {
		return 0
	}
	p := 0
	for !tick.Shift(int32(p)).IsInteger() && p < 18 {
		p++
	}
	return p
}
