package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chart-service/internal/exchange"
	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Binance error code for an unlisted symbol
const codeInvalidSymbol = -1121

// Klines fetches the most recent candles of a symbol, oldest first
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	resp, err := c.get(ctx, "/api/v3/klines", map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	result := gjson.ParseBytes(resp.Body())
	if !result.IsArray() {
		return nil, fmt.Errorf("%w: unexpected klines payload", exchange.ErrUpstreamUnavailable)
	}

	now := time.Now()
	candles := make([]models.Candle, 0, len(result.Array()))
	result.ForEach(func(_, k gjson.Result) bool {
		closeTime := time.UnixMilli(k.Get("6").Int()).UTC()
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.Get("0").Int()).UTC(),
			CloseTime: closeTime,
			Open:      parseDecimal(k.Get("1").String()),
			High:      parseDecimal(k.Get("2").String()),
			Low:       parseDecimal(k.Get("3").String()),
			Close:     parseDecimal(k.Get("4").String()),
			Volume:    parseDecimal(k.Get("5").String()),
			IsClosed:  closeTime.Before(now),
		})
		return true
	})

	return candles, nil
}

// ExchangeInfo lists every spot symbol with its assets and price tick size
func (c *Client) ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error) {
	resp, err := c.get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	symbols := gjson.GetBytes(resp.Body(), "symbols")
	if !symbols.IsArray() {
		return nil, fmt.Errorf("%w: unexpected exchangeInfo payload", exchange.ErrUpstreamUnavailable)
	}

	infos := make([]models.SymbolInfo, 0, len(symbols.Array()))
	symbols.ForEach(func(_, s gjson.Result) bool {
		tick := parseDecimal(s.Get(`filters.#(filterType=="PRICE_FILTER").tickSize`).String())
		infos = append(infos, models.SymbolInfo{
			Symbol:     s.Get("symbol").String(),
			Status:     s.Get("status").String(),
			BaseAsset:  s.Get("baseAsset").String(),
			QuoteAsset: s.Get("quoteAsset").String(),
			TickSize:   tick,
			Precision:  models.PrecisionFromTickSize(tick),
		})
		return true
	})

	return infos, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.rest.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}

	resp, err := req.Get(path)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("rest").Inc()
		return nil, fmt.Errorf("%w: GET %s: %v", exchange.ErrUpstreamUnavailable, path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == http.StatusTeapot:
		c.limiter.RecordRateLimitHit()
		metrics.ExchangeErrors.WithLabelValues("rate_limit").Inc()
		return nil, fmt.Errorf("%w: GET %s: rate limited (%d)", exchange.ErrUpstreamUnavailable, path, resp.StatusCode())
	case resp.IsError():
		body := resp.Body()
		if gjson.GetBytes(body, "code").Int() == codeInvalidSymbol {
			return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, params["symbol"])
		}
		metrics.ExchangeErrors.WithLabelValues("rest").Inc()
		return nil, fmt.Errorf("%w: GET %s: status %d: %s", exchange.ErrUpstreamUnavailable, path, resp.StatusCode(), gjson.GetBytes(body, "msg").String())
	}

	c.limiter.RecordSuccess()
	return resp, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
