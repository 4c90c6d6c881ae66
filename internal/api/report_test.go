package api

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"depthwatch/pkg/types"
)

func spanAt(start, end int64, symbol string, side types.BookSide, price, maxZ float64) types.OutlierSpan {
	return types.OutlierSpan{
		StartTs: start, EndTs: end, DurationMs: end - start,
		Symbol: symbol, Market: types.MarketPerp, Exchange: types.ExchangeBybit,
		Side: side, Price: price,
		MaxZ: maxZ, AvgZ: maxZ, Count: 1,
		StartSize: 100, EndSize: 80,
		TradeBuyQty: 5, TradeCount: 1,
	}
}

func TestBuildReportGroupsByFullKey(t *testing.T) {
	t.Parallel()

	now := time.Now()
	base := now.Add(-time.Hour).UnixMilli()

	spans := []types.OutlierSpan{
		spanAt(base, base+1000, "BTCUSDT", types.SideBid, 99, 6),
		spanAt(base+5000, base+9000, "BTCUSDT", types.SideBid, 99, 8),
		spanAt(base, base+2000, "BTCUSDT", types.SideAsk, 101, 5.5),
		// Same price, other symbol: separate row.
		spanAt(base, base+500, "ETHUSDT", types.SideBid, 99, 5.2),
		// Outside the window: ignored.
		spanAt(now.Add(-30*time.Hour).UnixMilli(), now.Add(-29*time.Hour).UnixMilli(), "BTCUSDT", types.SideBid, 99, 9),
	}

	rep := buildReport(spans, now, 24)
	if rep.SpanCount != 4 {
		t.Fatalf("span count = %d, want 4", rep.SpanCount)
	}
	if len(rep.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rep.Rows))
	}

	// Most spans first.
	top := rep.Rows[0]
	if top.Symbol != "BTCUSDT" || top.Side != types.SideBid || top.Price != 99 {
		t.Fatalf("top row = %+v", top)
	}
	if top.Spans != 2 || top.TotalDurationMs != 5000 || top.AvgDurationMs != 2500 || top.MaxDurationMs != 4000 {
		t.Errorf("durations = %+v", top)
	}
	if top.MaxZ != 8 {
		t.Errorf("maxZ = %v, want 8 (old span excluded)", top.MaxZ)
	}
	if top.AvgStartSize != 100 || top.TradeBuyQty != 10 || top.TradeCount != 2 {
		t.Errorf("aggregates = %+v", top)
	}
	if top.FirstSeen != base || top.LastSeen != base+9000 {
		t.Errorf("seen range = %d..%d", top.FirstSeen, top.LastSeen)
	}
}

func TestBuildReportEmpty(t *testing.T) {
	t.Parallel()
	rep := buildReport(nil, time.Now(), 24)
	if rep.SpanCount != 0 || len(rep.Rows) != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestBusiestWindow(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-6 * time.Hour).UnixMilli()
	min := time.Minute.Milliseconds()
	spans := []types.OutlierSpan{
		spanAt(base, base+1000, "BTCUSDT", types.SideBid, 99, 6),
		spanAt(base+10*min, base+10*min+1000, "ETHUSDT", types.SideBid, 50, 6),
		spanAt(base+20*min, base+20*min+1000, "BTCUSDT", types.SideAsk, 101, 6),
		spanAt(base+120*min, base+120*min+1000, "BTCUSDT", types.SideBid, 99, 6),
	}

	bw, ok := busiestWindow(spans, time.Hour)
	if !ok {
		t.Fatal("no window found")
	}
	if bw.Spans != 3 || bw.StartTs != base {
		t.Fatalf("busiest = %+v", bw)
	}
	if bw.Symbols["BTCUSDT"] != 2 || bw.Symbols["ETHUSDT"] != 1 {
		t.Errorf("symbols = %v", bw.Symbols)
	}

	if _, ok := busiestWindow(nil, time.Hour); ok {
		t.Error("empty input must report no window")
	}
}

func TestWriteReportCSV(t *testing.T) {
	t.Parallel()

	now := time.Now()
	base := now.Add(-time.Hour).UnixMilli()
	rep := buildReport([]types.OutlierSpan{
		spanAt(base, base+1000, "BTCUSDT", types.SideBid, 99.5, 6),
	}, now, 24)

	var buf bytes.Buffer
	if err := writeReportCSV(&buf, rep); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "symbol,market,exchange,side,price") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "BTCUSDT,Perp,bybit,Bid,99.5,1,") {
		t.Errorf("row = %q", lines[1])
	}
}
