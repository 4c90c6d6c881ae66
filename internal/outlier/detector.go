// Package outlier flags order book levels whose size sits far outside the
// distribution of their side, and tracks how flagged levels evolve over time.
package outlier

import (
	"math"
	"time"

	"depthwatch/internal/market"
	"depthwatch/pkg/types"
)

const (
	// ZOutlier is the z-score at which a level is recorded as an outlier.
	ZOutlier = 5.0
	// ZMetrics is the looser threshold used for the per-tick outlier counts.
	ZMetrics = 4.0

	enrichDepth = 20
)

// Detector scores book levels against the size distribution of their side.
type Detector struct {
	hist *market.MidHistory
}

func NewDetector(hist *market.MidHistory) *Detector {
	return &Detector{hist: hist}
}

// Detect returns one record per level whose size is at least ZOutlier
// population standard deviations above the mean of its side. A book without
// a usable mid, or a side whose sizes are all equal, yields nothing.
func (d *Detector) Detect(ts int64, symbol string, mkt types.MarketKind, exchange string, top types.BookTop) []types.OutlierRecord {
	mid, ok := top.Mid()
	if !ok || mid <= 0 {
		return nil
	}

	var out []types.OutlierRecord
	out = d.detectSide(out, ts, symbol, mkt, exchange, types.SideBid, top, mid)
	out = d.detectSide(out, ts, symbol, mkt, exchange, types.SideAsk, top, mid)
	return out
}

func (d *Detector) detectSide(out []types.OutlierRecord, ts int64, symbol string, mkt types.MarketKind, exchange string, side types.BookSide, top types.BookTop, mid float64) []types.OutlierRecord {
	levels := top.Side(side)
	mean, std := meanStd(levels)
	if std == 0 {
		return out
	}

	var ctx *types.OutlierContext
	for _, lv := range levels {
		z := (lv.Size - mean) / std
		if z < ZOutlier {
			continue
		}
		if ctx == nil {
			c := d.context(ts, symbol, mkt, exchange, top, mid)
			ctx = &c
		}
		rec := types.OutlierRecord{
			Ts:         ts,
			Symbol:     symbol,
			Market:     mkt,
			Exchange:   exchange,
			Side:       side,
			Price:      lv.Price,
			Size:       lv.Size,
			ZScore:     z,
			BpsFromMid: math.Abs(lv.Price-mid) / mid * 10000,
		}
		c := *ctx
		c.LevelRank = levelRank(levels, lv.Price)
		rec.Context = &c
		out = append(out, rec)
	}
	return out
}

// context captures the book shape around an outlier, computed over the top
// twenty levels of each side.
func (d *Detector) context(ts int64, symbol string, mkt types.MarketKind, exchange string, top types.BookTop, mid float64) types.OutlierContext {
	bids := clip(top.Bids, enrichDepth)
	asks := clip(top.Asks, enrichDepth)

	bidDepth := sumSizes(bids)
	askDepth := sumSizes(asks)

	bestBid, bestAsk := bids[0], asks[0]

	// Size-weighted midpoint over the touch; plain mid when both sizes are 0.
	micro := mid
	if bestBid.Size+bestAsk.Size > 0 {
		micro = (bestAsk.Price*bestBid.Size + bestBid.Price*bestAsk.Size) / (bestBid.Size + bestAsk.Size)
	}

	var imbalance float64
	if bidDepth+askDepth > 0 {
		imbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}

	return types.OutlierContext{
		Mid:        mid,
		Book:       market.SnapshotString(top, enrichDepth),
		BestBid:    bestBid.Price,
		BestAsk:    bestAsk.Price,
		SpreadBps:  (bestAsk.Price - bestBid.Price) / mid * 10000,
		Imbalance:  imbalance,
		BidDepth:   bidDepth,
		AskDepth:   askDepth,
		Microprice: micro,
		Vol1m:      d.hist.Vol(exchange, mkt, symbol, time.Minute, ts),
		Vol5m:      d.hist.Vol(exchange, mkt, symbol, 5*time.Minute, ts),
	}
}

// CountOutliers reports how many levels sit at least minZ population standard
// deviations above the mean size of their side.
func CountOutliers(levels []types.Level, minZ float64) int {
	mean, std := meanStd(levels)
	if std == 0 {
		return 0
	}
	n := 0
	for _, lv := range levels {
		if (lv.Size-mean)/std >= minZ {
			n++
		}
	}
	return n
}

// levelRank returns the 1-based position of price within the top enrichDepth
// levels of its side, or 0 when the price sits deeper than that.
func levelRank(levels []types.Level, price float64) int {
	for i, lv := range levels {
		if i >= enrichDepth {
			break
		}
		if lv.Price == price {
			return i + 1
		}
	}
	return 0
}

func meanStd(levels []types.Level) (mean, std float64) {
	if len(levels) == 0 {
		return 0, 0
	}
	var sum float64
	for _, lv := range levels {
		sum += lv.Size
	}
	mean = sum / float64(len(levels))

	var ss float64
	for _, lv := range levels {
		d := lv.Size - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(levels)))
}

func sumSizes(levels []types.Level) float64 {
	var sum float64
	for _, lv := range levels {
		sum += lv.Size
	}
	return sum
}

func clip(levels []types.Level, n int) []types.Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}
