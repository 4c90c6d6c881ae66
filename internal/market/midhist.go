package market

import (
	"math"
	"sync"
	"time"

	"depthwatch/pkg/types"
)

// midRetention bounds the rolling mid history; nothing downstream looks
// further back than the 5-minute realized vol window.
const midRetention = 5 * time.Minute

type midPoint struct {
	ts  int64
	mid float64
}

// MidHistory keeps a rolling (ts, mid) series per venue book, appended on
// every metrics tick and consumed by the outlier enrichment to compute
// short-horizon realized volatility.
type MidHistory struct {
	mu     sync.Mutex
	series map[BookKey][]midPoint
}

// NewMidHistory creates an empty history.
func NewMidHistory() *MidHistory {
	return &MidHistory{series: make(map[BookKey][]midPoint)}
}

// Record appends one observation and evicts points older than the
// retention window.
func (h *MidHistory) Record(exchange string, market types.MarketKind, symbol string, ts int64, mid float64) {
	key := BookKey{Exchange: exchange, Market: market, Symbol: symbol}

	h.mu.Lock()
	defer h.mu.Unlock()

	pts := append(h.series[key], midPoint{ts: ts, mid: mid})
	cutoff := ts - midRetention.Milliseconds()
	i := 0
	for i < len(pts) && pts[i].ts < cutoff {
		i++
	}
	h.series[key] = pts[i:]
}

// Vol returns the realized volatility over the trailing window:
// sqrt(sum(ln(mid_i/mid_{i-1})^2) / (n-1)) across the points with
// ts >= now-window. Returns 0 with fewer than two usable points.
func (h *MidHistory) Vol(exchange string, market types.MarketKind, symbol string, window time.Duration, now int64) float64 {
	key := BookKey{Exchange: exchange, Market: market, Symbol: symbol}
	cutoff := now - window.Milliseconds()

	h.mu.Lock()
	defer h.mu.Unlock()

	pts := h.series[key]
	i := 0
	for i < len(pts) && pts[i].ts < cutoff {
		i++
	}
	pts = pts[i:]
	if len(pts) < 2 {
		return 0
	}

	var sum float64
	n := 0
	for j := 1; j < len(pts); j++ {
		prev, cur := pts[j-1].mid, pts[j].mid
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		sum += r * r
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
