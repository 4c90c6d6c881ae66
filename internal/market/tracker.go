package market

import "depthwatch/pkg/types"

// LevelTracker accumulates level transitions on one book between tick
// snapshots. It carries no lock of its own; the owning Book serializes
// access.
type LevelTracker struct {
	bid types.MoveStats
	ask types.MoveStats
}

func (t *LevelTracker) side(s types.BookSide) *types.MoveStats {
	if s == types.SideBid {
		return &t.bid
	}
	return &t.ask
}

// Add records a brand-new level of the given size.
func (t *LevelTracker) Add(side types.BookSide, size float64) {
	st := t.side(side)
	st.Adds++
	st.SizeDelta += size
}

// Change records a resize of an existing level.
func (t *LevelTracker) Change(side types.BookSide, prev, next float64) {
	st := t.side(side)
	st.Changes++
	d := next - prev
	if d < 0 {
		d = -d
	}
	st.SizeDelta += d
}

// Remove records the deletion of a level that held prev size.
func (t *LevelTracker) Remove(side types.BookSide, prev float64) {
	st := t.side(side)
	st.Removals++
	st.SizeDelta += prev
}

// Snapshot returns the accumulated stats and resets both sides.
func (t *LevelTracker) Snapshot() types.Moves {
	out := types.Moves{Bid: t.bid, Ask: t.ask}
	t.bid = types.MoveStats{}
	t.ask = types.MoveStats{}
	return out
}
