package outlier

import (
	"math"
	"strings"
	"sync"

	"depthwatch/pkg/types"
)

// tradeProximityBps bounds how far a print may sit from a span's price, in
// basis points of their midpoint, to count toward the span's traded volume.
const tradeProximityBps = 5.0

type spanKey struct {
	symbol   string
	market   types.MarketKind
	exchange string
	side     types.BookSide
	price    float64
}

type activeSpan struct {
	startTs  int64
	lastTs   int64
	maxZ     float64
	sumZ     float64
	count    int
	startSz  float64
	lastSz   float64
	startBps float64
	lastBps  float64
	startCtx types.OutlierContext
	lastCtx  types.OutlierContext

	tradeBuyQty  float64
	tradeSellQty float64
	tradeCount   int
}

// SpanTracker correlates outlier sightings across ticks into spans. A span
// opens on first sighting of a (symbol, market, exchange, side, price) key,
// extends while the key keeps showing up, and closes on the first tick it
// does not.
type SpanTracker struct {
	mu     sync.Mutex
	active map[spanKey]*activeSpan
}

func NewSpanTracker() *SpanTracker {
	return &SpanTracker{active: make(map[spanKey]*activeSpan)}
}

// Update folds one tick's outlier sightings in. Candidates must cover every
// book scanned this tick: an active key absent from candidates is gone from
// its book and closes. Returns the spans closed by this tick, ended at their
// last sighting.
func (t *SpanTracker) Update(candidates []types.OutlierRecord) []types.OutlierSpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[spanKey]bool, len(candidates))
	for i := range candidates {
		rec := &candidates[i]
		key := spanKey{rec.Symbol, rec.Market, rec.Exchange, rec.Side, rec.Price}
		seen[key] = true

		sp, ok := t.active[key]
		if !ok {
			sp = &activeSpan{
				startTs:  rec.Ts,
				startSz:  rec.Size,
				startBps: rec.BpsFromMid,
			}
			if rec.Context != nil {
				sp.startCtx = *rec.Context
			}
			t.active[key] = sp
		}
		sp.lastTs = rec.Ts
		sp.lastSz = rec.Size
		sp.lastBps = rec.BpsFromMid
		sp.maxZ = math.Max(sp.maxZ, rec.ZScore)
		sp.sumZ += rec.ZScore
		sp.count++
		if rec.Context != nil {
			sp.lastCtx = *rec.Context
		}
	}

	var closed []types.OutlierSpan
	for key, sp := range t.active {
		if seen[key] {
			continue
		}
		closed = append(closed, buildSpan(key, sp, sp.lastTs))
		delete(t.active, key)
	}
	return closed
}

// OnTrade attributes a print to the active spans it executed against:
// same symbol and market, exchange matched case-insensitively, price within
// tradeProximityBps of the span's level.
func (t *SpanTracker) OnTrade(tr types.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, sp := range t.active {
		if key.symbol != tr.Symbol || key.market != tr.Market {
			continue
		}
		if !strings.EqualFold(key.exchange, tr.Exchange) {
			continue
		}
		mid := (key.price + tr.Price) / 2
		if mid <= 0 || math.Abs(tr.Price-key.price)/mid*10000 > tradeProximityBps {
			continue
		}
		if tr.Side == types.TradeBuy {
			sp.tradeBuyQty += tr.Qty
		} else {
			sp.tradeSellQty += tr.Qty
		}
		sp.tradeCount++
	}
}

// Active projects the open spans as if they closed now. The tracker state is
// not modified.
func (t *SpanTracker) Active(now int64) []types.OutlierSpan {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.OutlierSpan, 0, len(t.active))
	for key, sp := range t.active {
		out = append(out, buildSpan(key, sp, now))
	}
	return out
}

func (t *SpanTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func buildSpan(key spanKey, sp *activeSpan, endTs int64) types.OutlierSpan {
	duration := endTs - sp.startTs
	if duration < 0 {
		duration = 0
	}

	sizeDelta := sp.lastSz - sp.startSz
	var sizeDeltaPct, filled float64
	if sp.startSz > 0 {
		sizeDeltaPct = sizeDelta / sp.startSz
		filled = (sp.startSz - sp.lastSz) / sp.startSz
		if filled < 0 {
			filled = 0
		} else if filled > 1 {
			filled = 1
		}
	}

	count := sp.count
	if count < 1 {
		count = 1
	}

	return types.OutlierSpan{
		StartTs:    sp.startTs,
		EndTs:      endTs,
		DurationMs: duration,

		Symbol:   key.symbol,
		Market:   key.market,
		Exchange: key.exchange,
		Side:     key.side,
		Price:    key.price,

		MaxZ:  sp.maxZ,
		AvgZ:  sp.sumZ / float64(count),
		Count: sp.count,

		StartSize: sp.startSz,
		EndSize:   sp.lastSz,
		FilledPct: filled,
		StartBps:  sp.startBps,
		EndBps:    sp.lastBps,

		StartBook: sp.startCtx.Book,
		EndBook:   sp.lastCtx.Book,

		StartBestBid:    sp.startCtx.BestBid,
		StartBestAsk:    sp.startCtx.BestAsk,
		EndBestBid:      sp.lastCtx.BestBid,
		EndBestAsk:      sp.lastCtx.BestAsk,
		StartSpreadBps:  sp.startCtx.SpreadBps,
		EndSpreadBps:    sp.lastCtx.SpreadBps,
		StartImbalance:  sp.startCtx.Imbalance,
		EndImbalance:    sp.lastCtx.Imbalance,
		StartBidDepth:   sp.startCtx.BidDepth,
		StartAskDepth:   sp.startCtx.AskDepth,
		EndBidDepth:     sp.lastCtx.BidDepth,
		EndAskDepth:     sp.lastCtx.AskDepth,
		StartMicroprice: sp.startCtx.Microprice,
		EndMicroprice:   sp.lastCtx.Microprice,
		StartLevelRank:  sp.startCtx.LevelRank,
		EndLevelRank:    sp.lastCtx.LevelRank,
		StartVol1m:      sp.startCtx.Vol1m,
		StartVol5m:      sp.startCtx.Vol5m,
		EndVol1m:        sp.lastCtx.Vol1m,
		EndVol5m:        sp.lastCtx.Vol5m,

		SizeDelta:    sizeDelta,
		SizeDeltaPct: sizeDeltaPct,

		TradeBuyQty:  sp.tradeBuyQty,
		TradeSellQty: sp.tradeSellQty,
		TradeCount:   sp.tradeCount,
	}
}
