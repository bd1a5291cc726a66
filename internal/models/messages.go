package models

import (
	"encoding/json"
)

// Downstream event names
const (
	EventHistoryCandles  = "ReceiveHistoryCandles"
	EventRealtimeCandle  = "ReceiveRealtimeCandle"
	EventRealtimeTicker  = "ReceiveRealtimeTicker"
	EventSubscribeFailed = "SubscribeFailed"
)

// Client command methods
const (
	MethodSubscribe   = "SubscribeSymbol"
	MethodUnsubscribe = "UnsubscribeSymbol"
)

// Envelope wraps every message pushed to a viewer
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type HistoryCandlesMessage struct {
	SymbolCheck    string   `json:"symbolCheck"`
	IntervalCheck  string   `json:"intervalCheck"`
	HistoryCandles []Candle `json:"historyCandles"`
}

type RealtimeCandleMessage struct {
	SymbolCheck   string `json:"symbolCheck"`
	IntervalCheck string `json:"intervalCheck"`
	NewCandle     Candle `json:"newCandle"`
}

type RealtimeTickerMessage struct {
	SymbolCheck   string `json:"symbolCheck"`
	IntervalCheck string `json:"intervalCheck"`
	NewTicker     Ticker `json:"newTicker"`
}

type SubscribeFailedMessage struct {
	SymbolCheck   string `json:"symbolCheck"`
	IntervalCheck string `json:"intervalCheck"`
	Reason        string `json:"reason"`
}

// ClientCommand is a request sent by a viewer over its connection
type ClientCommand struct {
	Method   string `json:"method"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

func (c ClientCommand) Key() FeedKey {
	return FeedKey{Symbol: c.Symbol, Interval: c.Interval}
}

// EncodeEvent serializes an event envelope once so it can be fanned out as bytes
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

func NewHistoryCandlesMessage(key FeedKey, candles []Candle) HistoryCandlesMessage {
	if candles == nil {
		candles = []Candle{}
	}
	return HistoryCandlesMessage{SymbolCheck: key.Symbol, IntervalCheck: key.Interval, HistoryCandles: candles}
}

func NewRealtimeCandleMessage(key FeedKey, c Candle) RealtimeCandleMessage {
	return RealtimeCandleMessage{SymbolCheck: key.Symbol, IntervalCheck: key.Interval, NewCandle: c}
}

func NewRealtimeTickerMessage(key FeedKey, t Ticker) RealtimeTickerMessage {
	return RealtimeTickerMessage{SymbolCheck: key.Symbol, IntervalCheck: key.Interval, NewTicker: t}
}
