// Package market provides in-memory order book state for all venue feeds.
//
// Each Book mirrors one venue's book for one symbol and market kind. It is
// updated from two shapes of input:
//   - ApplyUpdate: sparse incremental changes (size 0 deletes a level)
//   - ApplySnapshot: a full top-N image, diffed against current state
//
// A Book is mutated only by its owning feed loop; the metrics tick reads
// sorted tops and snapshot-resets the level tracker under the same lock.
package market

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"depthwatch/pkg/types"
)

// Book maintains one venue's order book for a single symbol.
type Book struct {
	mu       sync.Mutex
	exchange string
	market   types.MarketKind
	symbol   string
	bids     map[float64]float64
	asks     map[float64]float64
	tracker  LevelTracker
	updated  time.Time
}

// NewBook creates an empty book.
func NewBook(exchange string, market types.MarketKind, symbol string) *Book {
	return &Book{
		exchange: exchange,
		market:   market,
		symbol:   symbol,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

// Symbol returns the exchange-neutral symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// ApplyUpdate applies one incremental level change. Size 0 removes the
// level; removing an absent level is a no-op and records nothing.
func (b *Book) ApplyUpdate(side types.BookSide, price, size float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLevelLocked(side, price, size)
	b.updated = time.Now()
}

// ApplyUpdates applies a batch of incremental changes from one message.
func (b *Book) ApplyUpdates(bids, asks []types.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lv := range bids {
		b.applyLevelLocked(types.SideBid, lv.Price, lv.Size)
	}
	for _, lv := range asks {
		b.applyLevelLocked(types.SideAsk, lv.Price, lv.Size)
	}
	b.updated = time.Now()
}

// ApplySnapshot replaces the book with a full top-N image. New and changed
// levels are set; every previously known price missing from the snapshot
// is recorded as a removal.
func (b *Book) ApplySnapshot(bids, asks []types.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applySnapshotSideLocked(types.SideBid, b.bids, bids)
	b.applySnapshotSideLocked(types.SideAsk, b.asks, asks)
	b.updated = time.Now()
}

func (b *Book) applySnapshotSideLocked(side types.BookSide, cur map[float64]float64, next []types.Level) {
	seen := make(map[float64]bool, len(next))
	for _, lv := range next {
		if lv.Size <= 0 {
			continue
		}
		seen[lv.Price] = true
		b.applyLevelLocked(side, lv.Price, lv.Size)
	}
	for price, prev := range cur {
		if !seen[price] {
			delete(cur, price)
			b.tracker.Remove(side, prev)
		}
	}
}

func (b *Book) applyLevelLocked(side types.BookSide, price, size float64) {
	levels := b.bids
	if side == types.SideAsk {
		levels = b.asks
	}

	prev, exists := levels[price]
	if size <= 0 {
		if !exists {
			return
		}
		delete(levels, price)
		b.tracker.Remove(side, prev)
		return
	}
	if !exists {
		levels[price] = size
		b.tracker.Add(side, size)
		return
	}
	if prev == size {
		return
	}
	levels[price] = size
	b.tracker.Change(side, prev, size)
}

// TopN returns a sorted copy of the book truncated to n levels per side:
// bids descending by price, asks ascending.
func (b *Book) TopN(n int) types.BookTop {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.BookTop{
		Bids: sortLevels(b.bids, true, n),
		Asks: sortLevels(b.asks, false, n),
	}
}

// SnapshotMoves returns the per-side move stats accumulated since the last
// call and resets them.
func (b *Book) SnapshotMoves() types.Moves {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tracker.Snapshot()
}

// LastUpdated reports when the book last received any data.
func (b *Book) LastUpdated() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

func sortLevels(levels map[float64]float64, desc bool, topN int) []types.Level {
	prices := make([]float64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	if desc {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if topN > 0 && len(prices) > topN {
		prices = prices[:topN]
	}
	out := make([]types.Level, 0, len(prices))
	for _, p := range prices {
		out = append(out, types.Level{Price: p, Size: levels[p]})
	}
	return out
}

// MergeTops combines venue tops by summing sizes at identical prices,
// then re-sorts and truncates to depth. The result is the aggregated book.
func MergeTops(depth int, tops ...types.BookTop) types.BookTop {
	bids := make(map[float64]float64)
	asks := make(map[float64]float64)
	for _, t := range tops {
		for _, lv := range t.Bids {
			bids[lv.Price] += lv.Size
		}
		for _, lv := range t.Asks {
			asks[lv.Price] += lv.Size
		}
	}
	return types.BookTop{
		Bids: sortLevels(bids, true, depth),
		Asks: sortLevels(asks, false, depth),
	}
}

// SnapshotString renders a compact JSON image of the top n levels per
// side, the form stored on outlier spans.
func SnapshotString(top types.BookTop, n int) string {
	type compact struct {
		Bids [][2]float64 `json:"bids"`
		Asks [][2]float64 `json:"asks"`
	}
	c := compact{
		Bids: make([][2]float64, 0, n),
		Asks: make([][2]float64, 0, n),
	}
	for i, lv := range top.Bids {
		if i >= n {
			break
		}
		c.Bids = append(c.Bids, [2]float64{lv.Price, lv.Size})
	}
	for i, lv := range top.Asks {
		if i >= n {
			break
		}
		c.Asks = append(c.Asks, [2]float64{lv.Price, lv.Size})
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}
