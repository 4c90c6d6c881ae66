// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor: book levels and
// sides, normalized venue events (trades, liquidations, open interest),
// per-tick metrics points, outlier records and spans. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

// Core enums

// MarketKind distinguishes the two monitored market types of a symbol.
type MarketKind string

const (
	MarketSpot MarketKind = "Spot"
	MarketPerp MarketKind = "Perp"
)

// ParseMarket normalizes a user-supplied market string ("spot", "PERP", ...).
// Returns false for anything that is not a known market kind; the empty
// string parses to the empty kind (wildcard in store filters).
func ParseMarket(s string) (MarketKind, bool) {
	switch s {
	case "":
		return "", true
	case "Spot", "spot", "SPOT":
		return MarketSpot, true
	case "Perp", "perp", "PERP":
		return MarketPerp, true
	}
	return "", false
}

// BookSide is the resting side of an order book level.
type BookSide string

const (
	SideBid BookSide = "Bid"
	SideAsk BookSide = "Ask"
)

// TradeSide is the aggressor direction of a print or liquidation.
type TradeSide string

const (
	TradeBuy  TradeSide = "Buy"
	TradeSell TradeSide = "Sell"
)

// Venue identifiers, used as the exchange field on every persisted row.
const (
	ExchangeBybit = "bybit"
	ExchangeMexc  = "mexc"
)

// Order book

// Level is a single price level of an order book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookTop is a sorted top-N view of one book: bids descending by price,
// asks ascending. Produced by market.Book under its lock and safe to keep.
type BookTop struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BestBid returns the top bid level.
func (t BookTop) BestBid() (Level, bool) {
	if len(t.Bids) == 0 {
		return Level{}, false
	}
	return t.Bids[0], true
}

// BestAsk returns the top ask level.
func (t BookTop) BestAsk() (Level, bool) {
	if len(t.Asks) == 0 {
		return Level{}, false
	}
	return t.Asks[0], true
}

// Mid returns (bestBid+bestAsk)/2, false if either side is empty.
func (t BookTop) Mid() (float64, bool) {
	bid, okB := t.BestBid()
	ask, okA := t.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Side returns the levels of one side.
func (t BookTop) Side(side BookSide) []Level {
	if side == SideBid {
		return t.Bids
	}
	return t.Asks
}

// MoveStats counts level transitions on one book side between two
// tracker snapshots. SizeDelta accumulates newSize for adds, prevSize for
// removals and |new-prev| for changes.
type MoveStats struct {
	Adds      int     `json:"adds"`
	Changes   int     `json:"changes"`
	Removals  int     `json:"removals"`
	SizeDelta float64 `json:"sizeDelta"`
}

// Merge adds another side's counters into this one.
func (m *MoveStats) Merge(o MoveStats) {
	m.Adds += o.Adds
	m.Changes += o.Changes
	m.Removals += o.Removals
	m.SizeDelta += o.SizeDelta
}

// Moves groups the per-side stats of one book over one tick interval.
type Moves struct {
	Bid MoveStats `json:"bid"`
	Ask MoveStats `json:"ask"`
}

// Merge adds another book's moves into this one (venue aggregation).
func (m *Moves) Merge(o Moves) {
	m.Bid.Merge(o.Bid)
	m.Ask.Merge(o.Ask)
}

// Normalized venue events

// Trade is a normalized public print from any venue feed.
type Trade struct {
	Ts       int64      `json:"ts" db:"ts"`
	Symbol   string     `json:"symbol" db:"symbol"`
	Market   MarketKind `json:"market" db:"market"`
	Exchange string     `json:"exchange" db:"exchange"`
	Price    float64    `json:"price" db:"price"`
	Qty      float64    `json:"qty" db:"qty"`
	Side     TradeSide  `json:"side" db:"side"`
}

// Liquidation is a normalized forced-close event (perp only).
type Liquidation struct {
	Ts       int64      `json:"ts" db:"ts"`
	Symbol   string     `json:"symbol" db:"symbol"`
	Market   MarketKind `json:"market" db:"market"`
	Exchange string     `json:"exchange" db:"exchange"`
	Side     TradeSide  `json:"side" db:"side"`
	Price    float64    `json:"price" db:"price"`
	Qty      float64    `json:"qty" db:"qty"`
}

// OiFunding is an open-interest / funding-rate tick from a perp ticker
// stream. NextFundingTs is zero when the venue does not report it.
type OiFunding struct {
	Ts            int64      `json:"ts" db:"ts"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Market        MarketKind `json:"market" db:"market"`
	Exchange      string     `json:"exchange" db:"exchange"`
	OpenInterest  float64    `json:"openInterest" db:"open_interest"`
	FundingRate   float64    `json:"fundingRate" db:"funding_rate"`
	MarkPrice     float64    `json:"markPrice" db:"mark_price"`
	NextFundingTs int64      `json:"nextFundingTs" db:"next_funding_ts"`
}

// Metrics

// LargeLevel is a resting level whose notional clears the base threshold.
// Up to five per side are attached to each MetricsPoint, largest first.
type LargeLevel struct {
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Notional   float64 `json:"notional"`
	BpsFromMid float64 `json:"bpsFromMid"`
}

// ExchangeMetrics is the per-venue block inside a MetricsPoint: same shape
// as the aggregated point minus large levels and move stats.
type ExchangeMetrics struct {
	BestBid              float64 `json:"bestBid"`
	BestAsk              float64 `json:"bestAsk"`
	Mid                  float64 `json:"mid"`
	TotalBidNotional     float64 `json:"totalBidNotional"`
	TotalAskNotional     float64 `json:"totalAskNotional"`
	DistanceBinCountsBid []int   `json:"distanceBinCountsBid"`
	DistanceBinCountsAsk []int   `json:"distanceBinCountsAsk"`
	MaxDistanceBpsBid    float64 `json:"maxDistanceBpsBid"`
	AvgDistanceBpsBid    float64 `json:"avgDistanceBpsBid"`
	MaxDistanceBpsAsk    float64 `json:"maxDistanceBpsAsk"`
	AvgDistanceBpsAsk    float64 `json:"avgDistanceBpsAsk"`
	OutlierCountBid      int     `json:"outlierCountBid"`
	OutlierCountAsk      int     `json:"outlierCountAsk"`
}

// MetricsPoint is the aggregated per-symbol snapshot produced once per
// tick from the merged perp books. Distance bin counts have length
// len(DistanceBinsBps)+1; the last bucket counts levels beyond the
// largest bin.
type MetricsPoint struct {
	Ts             int64   `json:"ts"`
	Symbol         string  `json:"symbol"`
	BestBid        float64 `json:"bestBid"`
	BestAsk        float64 `json:"bestAsk"`
	Mid            float64 `json:"mid"`
	Depth          int     `json:"depth"`
	BaseMmNotional float64 `json:"baseMmNotional"`

	TotalBidNotional float64 `json:"totalBidNotional"`
	TotalAskNotional float64 `json:"totalAskNotional"`

	DistanceBinsBps      []float64 `json:"distanceBinsBps"`
	DistanceBinCountsBid []int     `json:"distanceBinCountsBid"`
	DistanceBinCountsAsk []int     `json:"distanceBinCountsAsk"`
	MaxDistanceBpsBid    float64   `json:"maxDistanceBpsBid"`
	AvgDistanceBpsBid    float64   `json:"avgDistanceBpsBid"`
	MaxDistanceBpsAsk    float64   `json:"maxDistanceBpsAsk"`
	AvgDistanceBpsAsk    float64   `json:"avgDistanceBpsAsk"`

	OutlierCountBid int `json:"outlierCountBid"`
	OutlierCountAsk int `json:"outlierCountAsk"`

	LargeLevelsBid []LargeLevel `json:"largeLevelsBid,omitempty"`
	LargeLevelsAsk []LargeLevel `json:"largeLevelsAsk,omitempty"`

	Moves Moves `json:"moveStats"`

	Exchanges map[string]ExchangeMetrics `json:"exchanges,omitempty"`
}

// LevelMove is a qualifying resting-size change between two consecutive
// merged perp books. NotionalDelta is |DeltaSize|*Price; DeltaSize keeps
// its sign.
type LevelMove struct {
	Ts            int64    `json:"ts" db:"ts"`
	Symbol        string   `json:"symbol" db:"symbol"`
	Side          BookSide `json:"side" db:"side"`
	Price         float64  `json:"price" db:"price"`
	PrevSize      float64  `json:"prevSize" db:"prev_size"`
	NextSize      float64  `json:"nextSize" db:"next_size"`
	DeltaSize     float64  `json:"deltaSize" db:"delta_size"`
	NotionalDelta float64  `json:"notionalDelta" db:"notional_delta"`
	BpsFromMid    float64  `json:"bpsFromMid" db:"bps_from_mid"`
}

// Outliers

// OutlierContext carries the book and volatility context captured with an
// outlier sighting. It is consumed by the span tracker only and never
// persisted with the plain outlier row.
type OutlierContext struct {
	Mid        float64 `json:"mid"`
	Book       string  `json:"book"` // compact top-20 snapshot, JSON string
	BestBid    float64 `json:"bestBid"`
	BestAsk    float64 `json:"bestAsk"`
	SpreadBps  float64 `json:"spreadBps"`
	Imbalance  float64 `json:"imbalance"`
	BidDepth   float64 `json:"bidDepth"`
	AskDepth   float64 `json:"askDepth"`
	Microprice float64 `json:"microprice"`
	LevelRank  int     `json:"levelRank"` // 1-based within the side's top-20, 0 beyond
	Vol1m      float64 `json:"vol1m"`
	Vol5m      float64 `json:"vol5m"`
}

// OutlierRecord is one level whose size z-score cleared the outlier
// threshold on a tick. The persisted row is the flat part; Context rides
// along in memory for span enrichment.
type OutlierRecord struct {
	Ts         int64      `json:"ts" db:"ts"`
	Symbol     string     `json:"symbol" db:"symbol"`
	Market     MarketKind `json:"market" db:"market"`
	Exchange   string     `json:"exchange" db:"exchange"`
	Side       BookSide   `json:"side" db:"side"`
	Price      float64    `json:"price" db:"price"`
	Size       float64    `json:"size" db:"size"`
	ZScore     float64    `json:"zScore" db:"z_score"`
	BpsFromMid float64    `json:"bpsFromMid" db:"bps_from_mid"`

	Context *OutlierContext `json:"-" db:"-"`
}

// OutlierSpan is the durable record of one outlier's lifetime: opened on
// first sighting, extended while the same (symbol, market, exchange, side,
// price) keeps clearing the threshold, closed when it disappears.
type OutlierSpan struct {
	StartTs    int64 `json:"startTs" db:"start_ts"`
	EndTs      int64 `json:"endTs" db:"end_ts"`
	DurationMs int64 `json:"durationMs" db:"duration_ms"`

	Symbol   string     `json:"symbol" db:"symbol"`
	Market   MarketKind `json:"market" db:"market"`
	Exchange string     `json:"exchange" db:"exchange"`
	Side     BookSide   `json:"side" db:"side"`
	Price    float64    `json:"price" db:"price"`

	MaxZ  float64 `json:"maxZ" db:"max_z"`
	AvgZ  float64 `json:"avgZ" db:"avg_z"`
	Count int     `json:"count" db:"count"`

	StartSize float64 `json:"startSize" db:"start_size"`
	EndSize   float64 `json:"endSize" db:"end_size"`
	FilledPct float64 `json:"filledPct" db:"filled_pct"`
	StartBps  float64 `json:"startBps" db:"start_bps"`
	EndBps    float64 `json:"endBps" db:"end_bps"`

	StartBook string `json:"startBook" db:"start_book"`
	EndBook   string `json:"endBook" db:"end_book"`

	StartBestBid    float64 `json:"startBestBid" db:"start_best_bid"`
	StartBestAsk    float64 `json:"startBestAsk" db:"start_best_ask"`
	EndBestBid      float64 `json:"endBestBid" db:"end_best_bid"`
	EndBestAsk      float64 `json:"endBestAsk" db:"end_best_ask"`
	StartSpreadBps  float64 `json:"startSpreadBps" db:"start_spread_bps"`
	EndSpreadBps    float64 `json:"endSpreadBps" db:"end_spread_bps"`
	StartImbalance  float64 `json:"startImbalance" db:"start_imbalance"`
	EndImbalance    float64 `json:"endImbalance" db:"end_imbalance"`
	StartBidDepth   float64 `json:"startBidDepth" db:"start_bid_depth"`
	StartAskDepth   float64 `json:"startAskDepth" db:"start_ask_depth"`
	EndBidDepth     float64 `json:"endBidDepth" db:"end_bid_depth"`
	EndAskDepth     float64 `json:"endAskDepth" db:"end_ask_depth"`
	StartMicroprice float64 `json:"startMicroprice" db:"start_microprice"`
	EndMicroprice   float64 `json:"endMicroprice" db:"end_microprice"`
	StartLevelRank  int     `json:"startLevelRank" db:"start_level_rank"`
	EndLevelRank    int     `json:"endLevelRank" db:"end_level_rank"`
	StartVol1m      float64 `json:"startVol1m" db:"start_vol_1m"`
	StartVol5m      float64 `json:"startVol5m" db:"start_vol_5m"`
	EndVol1m        float64 `json:"endVol1m" db:"end_vol_1m"`
	EndVol5m        float64 `json:"endVol5m" db:"end_vol_5m"`

	SizeDelta    float64 `json:"sizeDelta" db:"size_delta"`
	SizeDeltaPct float64 `json:"sizeDeltaPct" db:"size_delta_pct"`

	TradeBuyQty  float64 `json:"tradeBuyQty" db:"trade_buy_qty"`
	TradeSellQty float64 `json:"tradeSellQty" db:"trade_sell_qty"`
	TradeCount   int     `json:"tradeCount" db:"trade_count"`
}
