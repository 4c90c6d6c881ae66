// Package flow keeps rolling trade-flow statistics per symbol and market:
// buy/sell quantity and counts, print velocity, and a signed imbalance.
// It answers "who is hitting the tape right now" next to the resting-depth
// view the metrics engine produces.
package flow

import (
	"sort"
	"sync"
	"time"

	"depthwatch/pkg/types"
)

// Stats summarizes the prints inside the window for one (symbol, market).
type Stats struct {
	Symbol     string           `json:"symbol"`
	Market     types.MarketKind `json:"market"`
	WindowSec  float64          `json:"windowSec"`
	BuyQty     float64          `json:"buyQty"`
	SellQty    float64          `json:"sellQty"`
	BuyCount   int              `json:"buyCount"`
	SellCount  int              `json:"sellCount"`
	TradeCount int              `json:"tradeCount"`
	// Imbalance is (buyQty-sellQty)/(buyQty+sellQty); 0 with no quantity.
	Imbalance float64 `json:"imbalance"`
	PerMinute float64 `json:"perMinute"`
	AvgPrice  float64 `json:"avgPrice"`
	LastPrice float64 `json:"lastPrice"`
	LastTs    int64   `json:"lastTs"`
}

type flowKey struct {
	symbol string
	market types.MarketKind
}

// Tracker keeps a rolling window of prints per (symbol, market). Writers are
// the feed sink path; readers are the API and the console log.
type Tracker struct {
	mu     sync.RWMutex
	window time.Duration
	trades map[flowKey][]types.Trade
}

// NewTracker creates a tracker with the given rolling window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		trades: make(map[flowKey][]types.Trade),
	}
}

// Add records one print and evicts entries that fell out of the window
// relative to the print's own timestamp.
func (t *Tracker) Add(tr types.Trade) {
	key := flowKey{symbol: tr.Symbol, market: tr.Market}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.trades[key] = append(t.trades[key], tr)
	t.trades[key] = evictStale(t.trades[key], tr.Ts-t.window.Milliseconds())
}

// evictStale drops prints with ts < cutoff. Prints arrive roughly in order,
// so scanning for the first survivor is enough.
func evictStale(trades []types.Trade, cutoff int64) []types.Trade {
	validIdx := -1
	for i, tr := range trades {
		if tr.Ts >= cutoff {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		return trades[:0]
	}
	if validIdx > 0 {
		return trades[validIdx:]
	}
	return trades
}

// Stats computes the window summary for one (symbol, market) as of now
// (unix ms). Zero-valued when nothing traded inside the window.
func (t *Tracker) Stats(symbol string, market types.MarketKind, now int64) Stats {
	key := flowKey{symbol: symbol, market: market}

	t.mu.Lock()
	t.trades[key] = evictStale(t.trades[key], now-t.window.Milliseconds())
	trades := t.trades[key]
	t.mu.Unlock()

	return t.summarize(symbol, market, trades)
}

// Snapshot computes summaries for every tracked (symbol, market) with at
// least one print in the window, sorted by symbol then market.
func (t *Tracker) Snapshot(now int64) []Stats {
	cutoff := now - t.window.Milliseconds()

	t.mu.Lock()
	out := make([]Stats, 0, len(t.trades))
	for key, trades := range t.trades {
		trades = evictStale(trades, cutoff)
		t.trades[key] = trades
		if len(trades) == 0 {
			continue
		}
		out = append(out, t.summarize(key.symbol, key.market, trades))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Market < out[j].Market
	})
	return out
}

// TradeCount returns the number of prints currently held across all keys.
func (t *Tracker) TradeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, trades := range t.trades {
		n += len(trades)
	}
	return n
}

func (t *Tracker) summarize(symbol string, market types.MarketKind, trades []types.Trade) Stats {
	s := Stats{
		Symbol:    symbol,
		Market:    market,
		WindowSec: t.window.Seconds(),
	}
	if len(trades) == 0 {
		return s
	}

	var notional float64
	for _, tr := range trades {
		if tr.Side == types.TradeBuy {
			s.BuyQty += tr.Qty
			s.BuyCount++
		} else {
			s.SellQty += tr.Qty
			s.SellCount++
		}
		notional += tr.Price * tr.Qty
	}
	s.TradeCount = len(trades)

	if qty := s.BuyQty + s.SellQty; qty > 0 {
		s.Imbalance = (s.BuyQty - s.SellQty) / qty
		s.AvgPrice = notional / qty
	}
	s.PerMinute = float64(s.TradeCount) / t.window.Minutes()

	last := trades[len(trades)-1]
	s.LastPrice = last.Price
	s.LastTs = last.Ts
	return s
}
