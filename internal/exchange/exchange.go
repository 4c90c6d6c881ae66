// Package exchange defines what venue feeds share: the sink interface the
// engine implements, connection timing constants, and depth clamping.
//
// The venue implementations live in the bybit and mexc subpackages. Each
// feed owns the order books it writes (per-book locks serialize the metrics
// tick against the feed loop) and pushes normalized trades, liquidations and
// open-interest ticks into the Sink.
package exchange

import (
	"time"

	"depthwatch/pkg/types"
)

const (
	// ReconnectWait is the fixed pause between connection attempts. Venue
	// outages are rare and short; a flat two seconds reconnects fast without
	// hammering anyone.
	ReconnectWait = 2 * time.Second
	// ReadTimeout reconnects a feed whose server has gone silent for about
	// two missed ping rounds.
	ReadTimeout = 60 * time.Second
	// WriteTimeout bounds outgoing subscribe and ping frames.
	WriteTimeout = 10 * time.Second
)

// Sink receives normalized venue events. Implementations must be safe for
// concurrent calls from multiple feed goroutines.
type Sink interface {
	OnTrade(types.Trade)
	OnLiquidation(types.Liquidation)
	OnOiFunding(types.OiFunding)
}

// NearestDepth clamps a requested depth to a venue's supported set: the
// largest supported depth not above want, or the smallest supported depth
// when want undershoots them all.
func NearestDepth(supported []int, want int) int {
	best := 0
	for _, d := range supported {
		if d <= want && d > best {
			best = d
		}
	}
	if best > 0 {
		return best
	}
	best = supported[0]
	for _, d := range supported {
		if d < best {
			best = d
		}
	}
	return best
}
