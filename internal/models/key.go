package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

var ErrInvalidKey = errors.New("invalid feed key")

// FeedKey identifies one upstream feed. Equality is exact: "BTCUSDT" and
// "btcusdt" are different keys.
type FeedKey struct {
	Symbol   string
	Interval string
}

func NewFeedKey(symbol, interval string) FeedKey {
	return FeedKey{Symbol: symbol, Interval: interval}
}

// String returns the group name of the key, e.g. "BTCUSDT_1m"
func (k FeedKey) String() string {
	return k.Symbol + "_" + k.Interval
}

// Validate rejects empty symbols and unsupported intervals
func (k FeedKey) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidKey)
	}
	if !lo.Contains(ValidIntervals(), k.Interval) {
		return fmt.Errorf("%w: unsupported interval %q", ErrInvalidKey, k.Interval)
	}
	return nil
}

// ParseFeedKey parses the "SYMBOL_interval" group name form
func ParseFeedKey(s string) (FeedKey, error) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return FeedKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := FeedKey{Symbol: s[:i], Interval: s[i+1:]}
	return k, k.Validate()
}
