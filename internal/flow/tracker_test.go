package flow

import (
	"math"
	"testing"
	"time"

	"depthwatch/pkg/types"
)

func tradeAt(ts int64, sym string, mkt types.MarketKind, price, qty float64, side types.TradeSide) types.Trade {
	return types.Trade{
		Ts: ts, Symbol: sym, Market: mkt, Exchange: types.ExchangeBybit,
		Price: price, Qty: qty, Side: side,
	}
}

func TestStatsAggregation(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute)

	base := int64(1_700_000_000_000)
	tr.Add(tradeAt(base, "BTCUSDT", types.MarketSpot, 100, 2, types.TradeBuy))
	tr.Add(tradeAt(base+1000, "BTCUSDT", types.MarketSpot, 101, 1, types.TradeSell))
	tr.Add(tradeAt(base+2000, "BTCUSDT", types.MarketSpot, 102, 3, types.TradeBuy))

	s := tr.Stats("BTCUSDT", types.MarketSpot, base+2000)
	if s.BuyQty != 5 || s.SellQty != 1 || s.BuyCount != 2 || s.SellCount != 1 || s.TradeCount != 3 {
		t.Fatalf("stats = %+v", s)
	}
	wantImb := (5.0 - 1.0) / 6.0
	if math.Abs(s.Imbalance-wantImb) > 1e-12 {
		t.Errorf("imbalance = %v, want %v", s.Imbalance, wantImb)
	}
	wantAvg := (100*2 + 101*1 + 102*3) / 6.0
	if math.Abs(s.AvgPrice-wantAvg) > 1e-12 {
		t.Errorf("avgPrice = %v, want %v", s.AvgPrice, wantAvg)
	}
	if s.PerMinute != 3 {
		t.Errorf("perMinute = %v, want 3", s.PerMinute)
	}
	if s.LastPrice != 102 || s.LastTs != base+2000 {
		t.Errorf("last print = (%v, %v)", s.LastPrice, s.LastTs)
	}
}

func TestWindowEviction(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute)

	base := int64(1_700_000_000_000)
	tr.Add(tradeAt(base, "BTCUSDT", types.MarketPerp, 100, 1, types.TradeBuy))
	tr.Add(tradeAt(base+30_000, "BTCUSDT", types.MarketPerp, 100, 1, types.TradeSell))

	// 61s after the first print, only the second survives.
	s := tr.Stats("BTCUSDT", types.MarketPerp, base+61_000)
	if s.TradeCount != 1 || s.BuyCount != 0 || s.SellCount != 1 {
		t.Fatalf("after eviction: %+v", s)
	}

	// Far in the future everything is gone.
	s = tr.Stats("BTCUSDT", types.MarketPerp, base+10*60_000)
	if s.TradeCount != 0 || s.Imbalance != 0 || s.PerMinute != 0 {
		t.Errorf("stale window should be zero-valued: %+v", s)
	}
	if tr.TradeCount() != 0 {
		t.Errorf("tracker still holds %d prints", tr.TradeCount())
	}
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute)

	base := int64(1_700_000_000_000)
	tr.Add(tradeAt(base, "ETHUSDT", types.MarketSpot, 2000, 1, types.TradeBuy))
	tr.Add(tradeAt(base, "BTCUSDT", types.MarketPerp, 100, 1, types.TradeBuy))
	tr.Add(tradeAt(base, "BTCUSDT", types.MarketSpot, 100, 1, types.TradeSell))

	snap := tr.Snapshot(base + 1000)
	if len(snap) != 3 {
		t.Fatalf("snapshot entries = %d, want 3", len(snap))
	}
	if snap[0].Symbol != "BTCUSDT" || snap[0].Market != types.MarketPerp {
		t.Errorf("first = %s/%s, want BTCUSDT perp", snap[0].Symbol, snap[0].Market)
	}
	if snap[1].Symbol != "BTCUSDT" || snap[1].Market != types.MarketSpot {
		t.Errorf("second = %s/%s, want BTCUSDT spot", snap[1].Symbol, snap[1].Market)
	}
	if snap[2].Symbol != "ETHUSDT" {
		t.Errorf("third = %s, want ETHUSDT", snap[2].Symbol)
	}
}

func TestSnapshotSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute)

	base := int64(1_700_000_000_000)
	tr.Add(tradeAt(base, "BTCUSDT", types.MarketSpot, 100, 1, types.TradeBuy))

	snap := tr.Snapshot(base + 2*60_000)
	if len(snap) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}
