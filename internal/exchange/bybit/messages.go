package bybit

import (
	"encoding/json"
	"strconv"

	"depthwatch/pkg/types"
)

// wsEnvelope is the outer shape of every v5 public stream message: command
// acks carry op/success/req_id, topic pushes carry topic/type/data.
type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	ReqID   string          `json:"req_id"`
	RetMsg  string          `json:"ret_msg"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type subscribeMsg struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// depthData is the payload of orderbook.<depth>.<symbol> messages. Levels
// are [price, size] string pairs; size "0" deletes the level on deltas.
type depthData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

// tradeData is one element of a publicTrade.<symbol> data array.
type tradeData struct {
	Ts     int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Qty    string `json:"v"`
	Price  string `json:"p"`
}

// tickerData is the payload of tickers.<symbol> on linear. Deltas omit
// unchanged fields, so every field stays a string and empty means "keep".
type tickerData struct {
	Symbol          string `json:"symbol"`
	OpenInterest    string `json:"openInterest"`
	FundingRate     string `json:"fundingRate"`
	MarkPrice       string `json:"markPrice"`
	NextFundingTime string `json:"nextFundingTime"`
}

// liqData is one element of an allLiquidation.<symbol> data array.
type liqData struct {
	Ts     int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Qty    string `json:"v"`
	Price  string `json:"p"`
}

// legacyLiqData is the payload of the retired per-symbol liquidation topic,
// kept as a fallback for gateways that still serve it.
type legacyLiqData struct {
	UpdatedTime int64  `json:"updatedTime"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
}

// parseLevels converts [price, size] string pairs, dropping malformed pairs.
func parseLevels(raw [][]string) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(pair[0], 64)
		size, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}

// num parses bybit's stringly-typed numbers, returning 0 for blanks.
func num(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func numInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseSide(s string) types.TradeSide {
	if s == "Sell" {
		return types.TradeSell
	}
	return types.TradeBuy
}
