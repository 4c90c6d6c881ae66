package engine

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/config"
	"depthwatch/internal/flow"
	"depthwatch/internal/market"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
	"depthwatch/pkg/types"
)

type captureHub struct {
	mu     sync.Mutex
	events []frame
}

func (h *captureHub) Broadcast(typ string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, frame{typ: typ, data: data})
}

func (h *captureHub) byType(typ string) []frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []frame
	for _, e := range h.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Symbols:                []string{"BTCUSDT"},
		Depth:                  50,
		BaseMmNotional:         30000,
		LargeMoveNotional:      30000,
		LargeMoveWindowBps:     200,
		LargeMoveNotionalFloor: 2000,
		DistanceBinsBps:        []float64{5, 10, 25, 50, 100, 200},
		MetricsInterval:        time.Second,
		LogInterval:            5 * time.Second,
	}
}

func newTestEngine(t *testing.T) (*Engine, *market.Registry, *store.Set, *captureHub) {
	t.Helper()
	stores, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	books := market.NewRegistry()
	hub := &captureHub{}
	e := New(testConfig(), books, market.NewMidHistory(), outlier.NewSpanTracker(),
		flow.NewTracker(time.Minute), stores, hub, zerolog.Nop())
	return e, books, stores, hub
}

// flatSide builds a side of count levels with equal size, stepping away
// from start.
func flatSide(start, step, size float64, count int) []types.Level {
	out := make([]types.Level, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, types.Level{Price: start + step*float64(i), Size: size})
	}
	return out
}

func TestBinDistances(t *testing.T) {
	t.Parallel()
	bins := []float64{5, 10, 25}

	// mid=100: bps distances 1, 10, 20, 1000.
	levels := []types.Level{
		{Price: 100.01, Size: 1},
		{Price: 100.10, Size: 1},
		{Price: 100.20, Size: 1},
		{Price: 110.00, Size: 1},
	}
	s := binDistances(levels, 100, bins)

	if len(s.counts) != len(bins)+1 {
		t.Fatalf("counts length = %d, want %d", len(s.counts), len(bins)+1)
	}
	sum := 0
	for _, c := range s.counts {
		sum += c
	}
	if sum != len(levels) {
		t.Errorf("counts sum = %d, want %d", sum, len(levels))
	}
	// 1 -> bin0, 10 -> bin1 (boundary lands inside), 20 -> bin2, 1000 -> overflow.
	want := []int{1, 1, 1, 1}
	for i := range want {
		if s.counts[i] != want[i] {
			t.Errorf("counts[%d] = %d, want %d", i, s.counts[i], want[i])
		}
	}
	if s.max != 1000 {
		t.Errorf("max = %v, want 1000", s.max)
	}
	if math.Abs(s.avg-(1+10+20+1000)/4.0) > 1e-9 {
		t.Errorf("avg = %v", s.avg)
	}
}

func TestBuildMetricsPointInvariants(t *testing.T) {
	t.Parallel()
	bins := []float64{5, 10, 25, 50, 100, 200}

	merged := types.BookTop{
		Bids: []types.Level{{Price: 100, Size: 400}, {Price: 99.5, Size: 2}},
		Asks: []types.Level{{Price: 100.5, Size: 3}},
	}
	p, ok := buildMetricsPoint(1, "BTCUSDT", 50, 30000, bins, merged, types.Moves{}, nil)
	if !ok {
		t.Fatal("point not produced")
	}
	if p.BestBid > p.Mid || p.Mid > p.BestAsk {
		t.Errorf("mid ordering broken: %v %v %v", p.BestBid, p.Mid, p.BestAsk)
	}
	if p.Mid != (100+100.5)/2 {
		t.Errorf("mid = %v", p.Mid)
	}
	if p.TotalBidNotional != 100*400+99.5*2 {
		t.Errorf("bid notional = %v", p.TotalBidNotional)
	}
	// 100*400 = 40000 clears the base notional; nothing else does.
	if len(p.LargeLevelsBid) != 1 || p.LargeLevelsBid[0].Notional != 40000 {
		t.Errorf("large bid levels = %+v", p.LargeLevelsBid)
	}
	if len(p.LargeLevelsAsk) != 0 {
		t.Errorf("large ask levels = %+v", p.LargeLevelsAsk)
	}

	// Empty side: no point.
	if _, ok := buildMetricsPoint(1, "BTCUSDT", 50, 30000, bins, types.BookTop{
		Bids: merged.Bids,
	}, types.Moves{}, nil); ok {
		t.Error("one-sided book must not produce a point")
	}
}

func TestLargeLevelsSortedAndCapped(t *testing.T) {
	t.Parallel()

	// Seven levels all above the threshold; sizes make notional increase
	// with the index so the sort has to reorder.
	var side []types.Level
	for i := 1; i <= 7; i++ {
		side = append(side, types.Level{Price: 100, Size: float64(400 * i)})
	}
	got := largeLevels(side, 100, 30000)
	if len(got) != maxLargeLevels {
		t.Fatalf("len = %d, want %d", len(got), maxLargeLevels)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Notional > got[i-1].Notional {
			t.Fatalf("not sorted desc: %+v", got)
		}
	}
	if got[0].Notional != 100*2800 {
		t.Errorf("largest = %v", got[0].Notional)
	}
}

func TestDetectLargeMovesThreshold(t *testing.T) {
	t.Parallel()

	prev := types.BookTop{Asks: []types.Level{{Price: 101, Size: 50}}}
	next := types.BookTop{Asks: []types.Level{{Price: 101, Size: 200}}}

	// windowLevels=1 -> scaled 30000; delta 150*101 = 15150 stays below.
	moves := detectLargeMoves(1, "BTCUSDT", prev, next, 100, 200, 30000, 2000)
	if len(moves) != 0 {
		t.Fatalf("moves = %+v, want none", moves)
	}

	next = types.BookTop{Asks: []types.Level{{Price: 101, Size: 500}}}
	moves = detectLargeMoves(1, "BTCUSDT", prev, next, 100, 200, 30000, 2000)
	if len(moves) != 1 {
		t.Fatalf("moves = %+v, want one", moves)
	}
	m := moves[0]
	if m.DeltaSize != 450 || m.NotionalDelta != 450*101 || m.BpsFromMid != 100 || m.Side != types.SideAsk {
		t.Errorf("move = %+v", m)
	}
	if m.PrevSize != 50 || m.NextSize != 500 {
		t.Errorf("sizes = %v -> %v", m.PrevSize, m.NextSize)
	}
}

func TestDetectLargeMovesWindow(t *testing.T) {
	t.Parallel()

	// A vanished level outside the 200 bps window must not report even with
	// a huge notional delta.
	prev := types.BookTop{Bids: []types.Level{{Price: 90, Size: 10000}}}
	next := types.BookTop{Bids: []types.Level{{Price: 100, Size: 1}}}
	moves := detectLargeMoves(1, "BTCUSDT", prev, next, 100, 200, 30000, 2000)
	for _, m := range moves {
		if m.Price == 90 {
			t.Fatalf("out-of-window move reported: %+v", m)
		}
	}
}

func TestTopMovesClip(t *testing.T) {
	t.Parallel()

	var moves []types.LevelMove
	for i := 1; i <= 12; i++ {
		moves = append(moves, types.LevelMove{Side: types.SideBid, NotionalDelta: float64(i * 1000)})
	}
	got := topMoves(moves, types.SideBid)
	if len(got) != broadcastMoves {
		t.Fatalf("len = %d, want %d", len(got), broadcastMoves)
	}
	if got[0].NotionalDelta != 12000 || got[len(got)-1].NotionalDelta != 5000 {
		t.Errorf("clip kept wrong moves: %+v", got)
	}
}

func TestTickSpotPath(t *testing.T) {
	t.Parallel()
	e, books, stores, hub := newTestEngine(t)

	spot := books.GetOrCreate(types.ExchangeBybit, types.MarketSpot, "BTCUSDT")
	spot.ApplySnapshot(
		[]types.Level{{Price: 100, Size: 2}, {Price: 99.5, Size: 1}},
		[]types.Level{{Price: 100.5, Size: 3}},
	)

	e.tick(time.UnixMilli(1_700_000_000_000))

	frames := hub.byType("book")
	if len(frames) != 1 {
		t.Fatalf("book frames = %d, want 1", len(frames))
	}
	b := frames[0].data.(bookPayload)
	if b.Symbol != "BTCUSDT" || b.Mid != 100.25 || len(b.Bids) != 2 {
		t.Errorf("book frame = %+v", b)
	}
	if !b.Sources[types.ExchangeBybit] || b.Sources[types.ExchangeMexc] {
		t.Errorf("sources = %+v", b.Sources)
	}

	// No perp books: no metrics point, no perpBook frame.
	if n := len(hub.byType("perpBook")); n != 0 {
		t.Errorf("perpBook frames = %d, want 0", n)
	}
	if stores.Metrics.Count() != 0 {
		t.Errorf("metrics rows = %d, want 0", stores.Metrics.Count())
	}
}

func TestTickPerpOutlierSpanLifecycle(t *testing.T) {
	t.Parallel()
	e, books, stores, hub := newTestEngine(t)

	// 26 flat bids put the spike at z = sqrt(26) > 5; asks stay flat.
	bids := flatSide(100, -0.01, 1, 26)
	bids = append(bids, types.Level{Price: 99.0, Size: 500})
	asks := flatSide(100.5, 0.01, 1, 10)

	perp := books.GetOrCreate(types.ExchangeBybit, types.MarketPerp, "BTCUSDT")
	perp.ApplySnapshot(bids, asks)

	t0 := time.UnixMilli(1_700_000_000_000)
	e.tick(t0)

	if stores.Outliers.Count() != 1 {
		t.Fatalf("outlier rows = %d, want 1", stores.Outliers.Count())
	}
	if e.spans.ActiveCount() != 1 {
		t.Fatalf("active spans = %d, want 1", e.spans.ActiveCount())
	}
	if stores.Metrics.Count() != 1 {
		t.Fatalf("metrics rows = %d, want 1", stores.Metrics.Count())
	}
	point := hub.byType("metrics")[0].data.(types.MetricsPoint)
	if point.OutlierCountBid < 1 {
		t.Errorf("outlierCountBid = %d, want >= 1", point.OutlierCountBid)
	}
	if _, ok := point.Exchanges[types.ExchangeBybit]; !ok {
		t.Errorf("exchanges block missing: %+v", point.Exchanges)
	}

	// Spike persists: span extends, no close yet.
	e.tick(t0.Add(time.Second))
	if stores.Spans.Count() != 0 {
		t.Fatalf("spans closed early: %d", stores.Spans.Count())
	}

	// Spike vanishes: span closes at its last sighting.
	perp.ApplyUpdate(types.SideBid, 99.0, 0)
	e.tick(t0.Add(2 * time.Second))

	if e.spans.ActiveCount() != 0 {
		t.Fatalf("active spans = %d, want 0", e.spans.ActiveCount())
	}
	if stores.Spans.Count() != 1 {
		t.Fatalf("closed spans = %d, want 1", stores.Spans.Count())
	}
	sp := stores.Spans.History(1, store.Filter{})[0]
	if sp.Count != 2 || sp.StartTs != t0.UnixMilli() || sp.EndTs != t0.Add(time.Second).UnixMilli() {
		t.Errorf("span = %+v", sp)
	}
	if sp.MaxZ < 5 || sp.AvgZ > sp.MaxZ {
		t.Errorf("span z: max=%v avg=%v", sp.MaxZ, sp.AvgZ)
	}
}

func TestTickLargeMoveAcrossTicks(t *testing.T) {
	t.Parallel()
	e, books, stores, hub := newTestEngine(t)

	perp := books.GetOrCreate(types.ExchangeMexc, types.MarketPerp, "BTCUSDT")
	perp.ApplySnapshot(
		[]types.Level{{Price: 100, Size: 2}},
		[]types.Level{{Price: 100.5, Size: 2}},
	)
	t0 := time.UnixMilli(1_700_000_000_000)
	e.tick(t0)
	if stores.LargeMoves.Count() != 0 {
		t.Fatalf("large moves after first tick = %d, want 0", stores.LargeMoves.Count())
	}

	// windowLevels=2 -> scaled 15000; 498*100 = 49800 qualifies.
	perp.ApplySnapshot(
		[]types.Level{{Price: 100, Size: 500}},
		[]types.Level{{Price: 100.5, Size: 2}},
	)
	e.tick(t0.Add(time.Second))

	if stores.LargeMoves.Count() != 1 {
		t.Fatalf("large moves = %d, want 1", stores.LargeMoves.Count())
	}
	mv := stores.LargeMoves.History(1, store.Filter{})[0]
	if mv.DeltaSize != 498 || mv.Side != types.SideBid {
		t.Errorf("move = %+v", mv)
	}

	perpFrames := hub.byType("perpBook")
	if len(perpFrames) != 2 {
		t.Fatalf("perpBook frames = %d, want 2", len(perpFrames))
	}
	last := perpFrames[1].data.(perpBookPayload)
	if len(last.LargeMovesBid) != 1 || last.LargeMovesBid[0].DeltaSize != 498 {
		t.Errorf("broadcast moves = %+v", last.LargeMovesBid)
	}
}

func TestSinkPaths(t *testing.T) {
	t.Parallel()
	e, _, stores, hub := newTestEngine(t)

	tr := types.Trade{
		Ts: 1_700_000_000_000, Symbol: "BTCUSDT", Market: types.MarketSpot,
		Exchange: types.ExchangeBybit, Price: 100, Qty: 1, Side: types.TradeBuy,
	}
	e.OnTrade(tr)
	if stores.Trades.Count() != 1 {
		t.Errorf("trades = %d, want 1", stores.Trades.Count())
	}
	if e.flow.TradeCount() != 1 {
		t.Errorf("flow prints = %d, want 1", e.flow.TradeCount())
	}
	if len(hub.byType("trade")) != 1 {
		t.Errorf("trade frames = %d, want 1", len(hub.byType("trade")))
	}

	e.OnLiquidation(types.Liquidation{
		Ts: 1, Symbol: "BTCUSDT", Market: types.MarketPerp,
		Exchange: types.ExchangeBybit, Side: types.TradeSell, Price: 100, Qty: 2,
	})
	if stores.Liquidations.Count() != 1 || len(hub.byType("liquidation")) != 1 {
		t.Error("liquidation path broken")
	}

	e.OnOiFunding(types.OiFunding{Ts: 1, Symbol: "BTCUSDT", Market: types.MarketPerp, Exchange: types.ExchangeMexc})
	if stores.OiFunding.Count() != 1 || len(hub.byType("oiFunding")) != 1 {
		t.Error("oi funding path broken")
	}
}

func TestTickAbsentSymbolProducesNothing(t *testing.T) {
	t.Parallel()
	e, _, stores, hub := newTestEngine(t)

	e.tick(time.UnixMilli(1_700_000_000_000))

	if len(hub.events) != 0 {
		t.Errorf("frames = %+v, want none", hub.events)
	}
	if stores.Metrics.Count() != 0 || stores.Outliers.Count() != 0 {
		t.Error("stores written with no books")
	}
}
