// Package exchange defines the boundary between the feed engine and an
// upstream market data provider.
package exchange

import (
	"context"
	"errors"

	"chart-service/internal/models"
)

var (
	// ErrUpstreamUnavailable covers transport failures and error responses
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUnknownSymbol is returned when the exchange does not list the symbol
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Stream delivers live updates until closed. Updates is closed by the
// producer once it gives up or after Close.
type Stream[T any] interface {
	Updates() <-chan T
	Close() error
}

// Upstream is the market data provider used by the feeds
type Upstream interface {
	// Klines returns up to limit most recent candles, oldest first
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	SubscribeKlines(ctx context.Context, symbol, interval string) (Stream[models.Candle], error)
	SubscribeTicker(ctx context.Context, symbol string) (Stream[models.TickerStats], error)
}

// SymbolSource lists the symbols traded on the exchange
type SymbolSource interface {
	ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error)
}
