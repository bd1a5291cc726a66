package symbols

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chart-service/internal/exchange"
	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Resolver caches exchange symbol metadata and answers lookups from it.
// When a refresh fails the previous table keeps being served.
type Resolver struct {
	source    exchange.SymbolSource
	cacheTTL  time.Duration
	symbols   map[string]models.SymbolInfo
	lastFetch time.Time
	mu        sync.RWMutex
	group     singleflight.Group
	now       func() time.Time
	logger    *logrus.Logger
}

func NewResolver(source exchange.SymbolSource, ttl time.Duration, logger *logrus.Logger) *Resolver {
	return &Resolver{
		source:   source,
		cacheTTL: ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// Resolve returns the metadata of symbol (case-insensitive)
func (r *Resolver) Resolve(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	table, err := r.table(ctx)
	if err != nil {
		return models.SymbolInfo{}, err
	}

	info, ok := table[strings.ToUpper(symbol)]
	if !ok {
		return models.SymbolInfo{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	return info, nil
}

// Count returns the number of cached symbols
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.symbols)
}

func (r *Resolver) table(ctx context.Context) (map[string]models.SymbolInfo, error) {
	r.mu.RLock()
	table, fetched := r.symbols, r.lastFetch
	r.mu.RUnlock()

	if table != nil && r.now().Sub(fetched) < r.cacheTTL {
		metrics.RecordCacheAccess("symbols", true)
		return table, nil
	}
	metrics.RecordCacheAccess("symbols", false)

	ch := r.group.DoChan("exchangeInfo", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return r.refresh(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if table != nil {
				r.logger.WithError(res.Err).Warn("Symbol refresh failed, serving cached table")
				return table, nil
			}
			return nil, res.Err
		}
		return res.Val.(map[string]models.SymbolInfo), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh forces a reload of the symbol table
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

func (r *Resolver) refresh(ctx context.Context) (map[string]models.SymbolInfo, error) {
	infos, err := r.source.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: empty exchange info", exchange.ErrUpstreamUnavailable)
	}

	table := make(map[string]models.SymbolInfo, len(infos))
	for _, info := range infos {
		table[strings.ToUpper(info.Symbol)] = info
	}

	r.mu.Lock()
	r.symbols = table
	r.lastFetch = r.now()
	r.mu.Unlock()

	r.logger.Infof("Loaded %d symbols from exchange info", len(table))
	return table, nil
}

// StartAutoRefresh reloads the table every TTL until ctx ends
func (r *Resolver) StartAutoRefresh(ctx context.Context) {
	ticker := time.NewTicker(r.cacheTTL)
	defer ticker.Stop()

	if err := r.Refresh(ctx); err != nil {
		r.logger.WithError(err).Warn("Initial symbol fetch failed")
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Symbol auto-refresh stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.WithError(err).Warn("Symbol refresh failed")
			}
		}
	}
}
