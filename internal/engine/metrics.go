package engine

import (
	"math"
	"sort"

	"depthwatch/internal/outlier"
	"depthwatch/pkg/types"
)

const (
	// maxLargeLevels bounds the large-level list attached per side.
	maxLargeLevels = 5
	// broadcastMoves bounds the per-side large moves in the perpBook frame.
	broadcastMoves = 8
)

type distanceStats struct {
	counts []int
	max    float64
	avg    float64
}

// binDistances buckets every level by its distance from mid in bps. The
// extra final bucket counts levels beyond the largest bin.
func binDistances(levels []types.Level, mid float64, bins []float64) distanceStats {
	s := distanceStats{counts: make([]int, len(bins)+1)}

	var sum float64
	for _, lv := range levels {
		bps := bpsFromMid(lv.Price, mid)
		idx := len(bins)
		for i, b := range bins {
			if bps <= b {
				idx = i
				break
			}
		}
		s.counts[idx]++
		sum += bps
		if bps > s.max {
			s.max = bps
		}
	}
	if len(levels) > 0 {
		s.avg = sum / float64(len(levels))
	}
	return s
}

func bpsFromMid(price, mid float64) float64 {
	return math.Abs(price-mid) / mid * 10000
}

func totalNotional(levels []types.Level) float64 {
	var sum float64
	for _, lv := range levels {
		sum += lv.Price * lv.Size
	}
	return sum
}

// largeLevels returns the levels whose notional clears baseNotional,
// largest first, at most maxLargeLevels.
func largeLevels(levels []types.Level, mid, baseNotional float64) []types.LargeLevel {
	var out []types.LargeLevel
	for _, lv := range levels {
		notional := lv.Price * lv.Size
		if notional < baseNotional {
			continue
		}
		out = append(out, types.LargeLevel{
			Price:      lv.Price,
			Size:       lv.Size,
			Notional:   notional,
			BpsFromMid: bpsFromMid(lv.Price, mid),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Notional > out[j].Notional })
	if len(out) > maxLargeLevels {
		out = out[:maxLargeLevels]
	}
	return out
}

// venueMetrics computes the per-venue block over one venue top. A book
// without both sides has no mid and produces nothing.
func venueMetrics(top types.BookTop, bins []float64) (types.ExchangeMetrics, bool) {
	mid, ok := top.Mid()
	if !ok || mid <= 0 {
		return types.ExchangeMetrics{}, false
	}

	bid := binDistances(top.Bids, mid, bins)
	ask := binDistances(top.Asks, mid, bins)

	return types.ExchangeMetrics{
		BestBid:              top.Bids[0].Price,
		BestAsk:              top.Asks[0].Price,
		Mid:                  mid,
		TotalBidNotional:     totalNotional(top.Bids),
		TotalAskNotional:     totalNotional(top.Asks),
		DistanceBinCountsBid: bid.counts,
		DistanceBinCountsAsk: ask.counts,
		MaxDistanceBpsBid:    bid.max,
		AvgDistanceBpsBid:    bid.avg,
		MaxDistanceBpsAsk:    ask.max,
		AvgDistanceBpsAsk:    ask.avg,
		OutlierCountBid:      outlier.CountOutliers(top.Bids, outlier.ZMetrics),
		OutlierCountAsk:      outlier.CountOutliers(top.Asks, outlier.ZMetrics),
	}, true
}

// buildMetricsPoint computes the aggregated per-symbol point from the merged
// perp book. A merged book missing either side produces nothing.
func buildMetricsPoint(ts int64, symbol string, depth int, baseNotional float64, bins []float64,
	merged types.BookTop, moves types.Moves, exchanges map[string]types.ExchangeMetrics) (types.MetricsPoint, bool) {

	mid, ok := merged.Mid()
	if !ok || mid <= 0 {
		return types.MetricsPoint{}, false
	}

	bid := binDistances(merged.Bids, mid, bins)
	ask := binDistances(merged.Asks, mid, bins)

	p := types.MetricsPoint{
		Ts:             ts,
		Symbol:         symbol,
		BestBid:        merged.Bids[0].Price,
		BestAsk:        merged.Asks[0].Price,
		Mid:            mid,
		Depth:          depth,
		BaseMmNotional: baseNotional,

		TotalBidNotional: totalNotional(merged.Bids),
		TotalAskNotional: totalNotional(merged.Asks),

		DistanceBinsBps:      bins,
		DistanceBinCountsBid: bid.counts,
		DistanceBinCountsAsk: ask.counts,
		MaxDistanceBpsBid:    bid.max,
		AvgDistanceBpsBid:    bid.avg,
		MaxDistanceBpsAsk:    ask.max,
		AvgDistanceBpsAsk:    ask.avg,

		OutlierCountBid: outlier.CountOutliers(merged.Bids, outlier.ZMetrics),
		OutlierCountAsk: outlier.CountOutliers(merged.Asks, outlier.ZMetrics),

		LargeLevelsBid: largeLevels(merged.Bids, mid, baseNotional),
		LargeLevelsAsk: largeLevels(merged.Asks, mid, baseNotional),

		Moves: moves,
	}
	if len(exchanges) > 0 {
		p.Exchanges = exchanges
	}
	return p, true
}

// detectLargeMoves diffs two consecutive merged books inside the bps window
// around mid. A level change qualifies when its notional delta reaches
// max(baseNotional/windowLevels, floor), where windowLevels counts next-book
// levels inside the window on both sides.
func detectLargeMoves(ts int64, symbol string, prev, next types.BookTop,
	mid, windowBps, baseNotional, floor float64) []types.LevelMove {

	if mid <= 0 {
		return nil
	}

	windowLevels := 0
	for _, lv := range next.Bids {
		if bpsFromMid(lv.Price, mid) <= windowBps {
			windowLevels++
		}
	}
	for _, lv := range next.Asks {
		if bpsFromMid(lv.Price, mid) <= windowBps {
			windowLevels++
		}
	}
	if windowLevels < 1 {
		windowLevels = 1
	}
	minNotional := math.Max(baseNotional/float64(windowLevels), floor)

	var out []types.LevelMove
	out = append(out, diffSide(ts, symbol, types.SideBid, prev.Bids, next.Bids, mid, windowBps, minNotional)...)
	out = append(out, diffSide(ts, symbol, types.SideAsk, prev.Asks, next.Asks, mid, windowBps, minNotional)...)
	return out
}

func diffSide(ts int64, symbol string, side types.BookSide, prev, next []types.Level,
	mid, windowBps, minNotional float64) []types.LevelMove {

	prevSizes := make(map[float64]float64, len(prev))
	for _, lv := range prev {
		prevSizes[lv.Price] = lv.Size
	}
	nextSizes := make(map[float64]float64, len(next))
	for _, lv := range next {
		nextSizes[lv.Price] = lv.Size
	}

	prices := make([]float64, 0, len(prevSizes)+len(nextSizes))
	for p := range prevSizes {
		prices = append(prices, p)
	}
	for p := range nextSizes {
		if _, dup := prevSizes[p]; !dup {
			prices = append(prices, p)
		}
	}
	sort.Float64s(prices)

	var out []types.LevelMove
	for _, price := range prices {
		bps := bpsFromMid(price, mid)
		if bps > windowBps {
			continue
		}
		prevSize := prevSizes[price]
		nextSize := nextSizes[price]
		delta := nextSize - prevSize
		if delta == 0 {
			continue
		}
		notional := math.Abs(delta) * price
		if notional < minNotional {
			continue
		}
		out = append(out, types.LevelMove{
			Ts:            ts,
			Symbol:        symbol,
			Side:          side,
			Price:         price,
			PrevSize:      prevSize,
			NextSize:      nextSize,
			DeltaSize:     delta,
			NotionalDelta: notional,
			BpsFromMid:    bps,
		})
	}
	return out
}

// topMoves returns the side's strongest moves by notional delta, at most
// broadcastMoves of them.
func topMoves(moves []types.LevelMove, side types.BookSide) []types.LevelMove {
	var out []types.LevelMove
	for _, m := range moves {
		if m.Side == side {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotionalDelta > out[j].NotionalDelta })
	if len(out) > broadcastMoves {
		out = out[:broadcastMoves]
	}
	return out
}
