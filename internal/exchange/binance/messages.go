package binance

import (
	"encoding/json"
	"time"

	"chart-service/internal/models"

	"github.com/tidwall/gjson"
)

// Stream event types
const (
	eventKline  = "kline"
	eventTicker = "24hrTicker"
)

// BinanceKlineMessage represents a kline stream event
type BinanceKlineMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime       int64  `json:"t"`
		CloseTime       int64  `json:"T"`
		Symbol          string `json:"s"`
		Interval        string `json:"i"`
		Open            string `json:"o"`
		Close           string `json:"c"`
		High            string `json:"h"`
		Low             string `json:"l"`
		BaseAssetVolume string `json:"v"`
		NumberOfTrades  int    `json:"n"`
		IsKlineClosed   bool   `json:"x"`
	} `json:"k"`
}

// BinanceTickerMessage represents a 24hr rolling window ticker event
type BinanceTickerMessage struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	High               string `json:"h"`
	Low                string `json:"l"`
	Volume             string `json:"v"`
}

// parseKline converts a kline stream event to a candle. Other payloads
// (subscription acks, tickers) are skipped.
func parseKline(message []byte) (models.Candle, bool) {
	if gjson.GetBytes(message, "e").String() != eventKline {
		return models.Candle{}, false
	}

	var msg BinanceKlineMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.Candle{}, false
	}

	return models.Candle{
		OpenTime:  time.UnixMilli(msg.Kline.StartTime).UTC(),
		CloseTime: time.UnixMilli(msg.Kline.CloseTime).UTC(),
		Open:      parseDecimal(msg.Kline.Open),
		High:      parseDecimal(msg.Kline.High),
		Low:       parseDecimal(msg.Kline.Low),
		Close:     parseDecimal(msg.Kline.Close),
		Volume:    parseDecimal(msg.Kline.BaseAssetVolume),
		IsClosed:  msg.Kline.IsKlineClosed,
	}, true
}

func parseTicker(message []byte) (models.TickerStats, bool) {
	if gjson.GetBytes(message, "e").String() != eventTicker {
		return models.TickerStats{}, false
	}

	var msg BinanceTickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.TickerStats{}, false
	}

	return models.TickerStats{
		Symbol:        msg.Symbol,
		LastPrice:     parseDecimal(msg.LastPrice),
		Change:        parseDecimal(msg.PriceChange),
		PercentChange: parseDecimal(msg.PriceChangePercent),
		High:          parseDecimal(msg.High),
		Low:           parseDecimal(msg.Low),
		Volume:        parseDecimal(msg.Volume),
		EventTime:     time.UnixMilli(msg.EventTime).UTC(),
	}, true
}
