// Package engine runs the metrics tick: it reads every venue book, merges
// them per symbol, computes metrics points, scores outliers, advances the
// span tracker and hands the results to the stores and the broadcast hub.
//
// The engine is also the sink for the venue feeds. Trades, liquidations and
// open-interest ticks pass through it on their way to storage, the span
// tracker and the websocket clients.
//
// Ordering inside one tick, per symbol: spot path first (merge, outliers,
// book frame), then perp path (per-venue metrics, aggregated point, large
// moves), then the queued frames. Outlier rows are persisted before the
// span tracker sees them, and the tracker is updated exactly once per tick
// with every candidate from every book.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/config"
	"depthwatch/internal/flow"
	"depthwatch/internal/market"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
	"depthwatch/internal/telemetry"
	"depthwatch/pkg/types"
)

// Broadcaster fans one typed frame out to every websocket subscriber.
type Broadcaster interface {
	Broadcast(typ string, data any)
}

// bookPayload is the merged-book frame for spot ("book") and perp
// ("perpBook") broadcasts.
type bookPayload struct {
	Symbol  string          `json:"symbol"`
	Mid     float64         `json:"mid"`
	Bids    []types.Level   `json:"bids"`
	Asks    []types.Level   `json:"asks"`
	Depth   int             `json:"depth"`
	Sources map[string]bool `json:"sources"`
}

// perpBookPayload extends the book frame with the tick's strongest resting
// size changes.
type perpBookPayload struct {
	bookPayload
	LargeMovesBid []types.LevelMove `json:"largeMovesBid,omitempty"`
	LargeMovesAsk []types.LevelMove `json:"largeMovesAsk,omitempty"`
}

type frame struct {
	typ  string
	data any
}

// Engine owns the tick loop and the feed sink.
type Engine struct {
	cfg    *config.Config
	books  *market.Registry
	hist   *market.MidHistory
	det    *outlier.Detector
	spans  *outlier.SpanTracker
	flow   *flow.Tracker
	stores *store.Set
	hub    Broadcaster
	log    zerolog.Logger

	// prevPerp keeps last tick's merged perp book per symbol for the
	// large-move diff. Touched only by the tick goroutine.
	prevPerp map[string]types.BookTop

	// fatal carries the first store-write failure out of the loops.
	fatal chan error
}

// New wires an engine over shared state. The hub may be nil in tests.
func New(cfg *config.Config, books *market.Registry, hist *market.MidHistory,
	spans *outlier.SpanTracker, flowTracker *flow.Tracker, stores *store.Set,
	hub Broadcaster, log zerolog.Logger) *Engine {

	return &Engine{
		cfg:      cfg,
		books:    books,
		hist:     hist,
		det:      outlier.NewDetector(hist),
		spans:    spans,
		flow:     flowTracker,
		stores:   stores,
		hub:      hub,
		log:      log.With().Str("component", "engine").Logger(),
		prevPerp: make(map[string]types.BookTop),
		fatal:    make(chan error, 1),
	}
}

// Run drives the metrics tick and the console status line until ctx is
// cancelled or a store write fails.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(e.cfg.MetricsInterval)
	defer tick.Stop()
	status := time.NewTicker(e.cfg.LogInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-e.fatal:
			return err
		case now := <-tick.C:
			e.tick(now)
		case <-status.C:
			e.logStatus()
		}
	}
}

// tick runs one metrics pass over every configured symbol.
func (e *Engine) tick(now time.Time) {
	start := time.Now()
	ts := now.UnixMilli()

	var candidates []types.OutlierRecord
	for _, sym := range e.cfg.Symbols {
		var frames []frame

		recs, fr := e.tickSpot(ts, sym)
		candidates = append(candidates, recs...)
		frames = append(frames, fr...)

		recs, fr = e.tickPerp(ts, sym)
		candidates = append(candidates, recs...)
		frames = append(frames, fr...)

		for _, f := range frames {
			e.broadcast(f.typ, f.data)
		}
	}

	// Outlier rows are already persisted; now advance the spans.
	for _, sp := range e.spans.Update(candidates) {
		if err := e.stores.Spans.Append(sp); err != nil {
			e.fail(err)
			return
		}
		telemetry.StoreAppends.WithLabelValues("outlier_spans").Inc()
		e.log.Debug().
			Str("symbol", sp.Symbol).
			Str("exchange", sp.Exchange).
			Str("side", string(sp.Side)).
			Float64("price", sp.Price).
			Int64("durationMs", sp.DurationMs).
			Float64("maxZ", sp.MaxZ).
			Msg("outlier span closed")
	}

	telemetry.Ticks.Inc()
	telemetry.TickDuration.Observe(time.Since(start).Seconds())
}

// tickSpot merges the spot books of one symbol, records outliers and queues
// the book frame. Returns the span candidates.
func (e *Engine) tickSpot(ts int64, sym string) ([]types.OutlierRecord, []frame) {
	bybitTop, bybitOK := e.books.Top(types.ExchangeBybit, types.MarketSpot, sym, e.cfg.Depth)
	mexcTop, mexcOK := e.books.Top(types.ExchangeMexc, types.MarketSpot, sym, e.cfg.Depth)
	if !bybitOK && !mexcOK {
		return nil, nil
	}

	var candidates []types.OutlierRecord
	var tops []types.BookTop
	if bybitOK {
		candidates = append(candidates, e.scanVenue(ts, sym, types.MarketSpot, types.ExchangeBybit, bybitTop)...)
		tops = append(tops, bybitTop)
	}
	if mexcOK {
		candidates = append(candidates, e.scanVenue(ts, sym, types.MarketSpot, types.ExchangeMexc, mexcTop)...)
		tops = append(tops, mexcTop)
	}
	if !e.appendOutliers(candidates) {
		return nil, nil
	}

	merged := market.MergeTops(e.cfg.Depth, tops...)
	mid, _ := merged.Mid()
	fr := frame{typ: "book", data: bookPayload{
		Symbol:  sym,
		Mid:     mid,
		Bids:    merged.Bids,
		Asks:    merged.Asks,
		Depth:   e.cfg.Depth,
		Sources: map[string]bool{types.ExchangeBybit: bybitOK, types.ExchangeMexc: mexcOK},
	}}
	return candidates, []frame{fr}
}

// tickPerp computes the aggregated metrics point and the large-move diff
// for one symbol's perp books. Returns the span candidates.
func (e *Engine) tickPerp(ts int64, sym string) ([]types.OutlierRecord, []frame) {
	bybitTop, bybitOK := e.books.Top(types.ExchangeBybit, types.MarketPerp, sym, e.cfg.Depth)
	mexcTop, mexcOK := e.books.Top(types.ExchangeMexc, types.MarketPerp, sym, e.cfg.Depth)
	if !bybitOK && !mexcOK {
		return nil, nil
	}

	var candidates []types.OutlierRecord
	var tops []types.BookTop
	var moves types.Moves
	exchanges := make(map[string]types.ExchangeMetrics, 2)

	scan := func(exch string, top types.BookTop) {
		candidates = append(candidates, e.scanVenue(ts, sym, types.MarketPerp, exch, top)...)
		moves.Merge(e.books.Moves(exch, types.MarketPerp, sym))
		if em, ok := venueMetrics(top, e.cfg.DistanceBinsBps); ok {
			exchanges[exch] = em
		}
		tops = append(tops, top)
	}
	if bybitOK {
		scan(types.ExchangeBybit, bybitTop)
	}
	if mexcOK {
		scan(types.ExchangeMexc, mexcTop)
	}
	if !e.appendOutliers(candidates) {
		return nil, nil
	}

	merged := market.MergeTops(e.cfg.Depth, tops...)
	point, pointOK := buildMetricsPoint(ts, sym, e.cfg.Depth, e.cfg.BaseMmNotional, e.cfg.DistanceBinsBps, merged, moves, exchanges)

	var largeMoves []types.LevelMove
	if pointOK {
		largeMoves = detectLargeMoves(ts, sym, e.prevPerp[sym], merged, point.Mid,
			e.cfg.LargeMoveWindowBps, e.cfg.BaseMmNotional, e.cfg.LargeMoveNotionalFloor)
		if len(largeMoves) > 0 {
			if err := e.stores.LargeMoves.AppendAll(largeMoves); err != nil {
				e.fail(err)
				return candidates, nil
			}
			telemetry.StoreAppends.WithLabelValues("large_moves").Add(float64(len(largeMoves)))
		}
	}
	e.prevPerp[sym] = merged

	var frames []frame
	if pointOK {
		if err := e.stores.Metrics.Append(point); err != nil {
			e.fail(err)
			return candidates, nil
		}
		telemetry.StoreAppends.WithLabelValues("metrics").Inc()
		frames = append(frames, frame{typ: "metrics", data: point})
	}

	mid, _ := merged.Mid()
	frames = append(frames, frame{typ: "perpBook", data: perpBookPayload{
		bookPayload: bookPayload{
			Symbol:  sym,
			Mid:     mid,
			Bids:    merged.Bids,
			Asks:    merged.Asks,
			Depth:   e.cfg.Depth,
			Sources: map[string]bool{types.ExchangeBybit: bybitOK, types.ExchangeMexc: mexcOK},
		},
		LargeMovesBid: topMoves(largeMoves, types.SideBid),
		LargeMovesAsk: topMoves(largeMoves, types.SideAsk),
	}})
	return candidates, frames
}

// scanVenue records the venue's mid and returns its outlier candidates. The
// mid goes into the history first so the enrichment volatility includes the
// current tick.
func (e *Engine) scanVenue(ts int64, sym string, mkt types.MarketKind, exch string, top types.BookTop) []types.OutlierRecord {
	if mid, ok := top.Mid(); ok && mid > 0 {
		e.hist.Record(exch, mkt, sym, ts, mid)
	}
	return e.det.Detect(ts, sym, mkt, exch, top)
}

// appendOutliers persists one path's candidates. Returns false when the
// write failed and the tick should stop producing.
func (e *Engine) appendOutliers(recs []types.OutlierRecord) bool {
	if len(recs) == 0 {
		return true
	}
	if err := e.stores.Outliers.AppendAll(recs); err != nil {
		e.fail(err)
		return false
	}
	telemetry.StoreAppends.WithLabelValues("outliers").Add(float64(len(recs)))
	return true
}

// Feed sink

// OnTrade persists a print, credits active spans and the flow window, then
// broadcasts it.
func (e *Engine) OnTrade(tr types.Trade) {
	if err := e.stores.Trades.Append(tr); err != nil {
		e.fail(err)
		return
	}
	telemetry.StoreAppends.WithLabelValues("trades").Inc()
	e.spans.OnTrade(tr)
	e.flow.Add(tr)
	e.broadcast("trade", tr)
}

// OnLiquidation persists and broadcasts a forced close.
func (e *Engine) OnLiquidation(l types.Liquidation) {
	if err := e.stores.Liquidations.Append(l); err != nil {
		e.fail(err)
		return
	}
	telemetry.StoreAppends.WithLabelValues("liquidations").Inc()
	e.broadcast("liquidation", l)
}

// OnOiFunding persists and broadcasts an open-interest/funding tick.
func (e *Engine) OnOiFunding(o types.OiFunding) {
	if err := e.stores.OiFunding.Append(o); err != nil {
		e.fail(err)
		return
	}
	telemetry.StoreAppends.WithLabelValues("oi_funding").Inc()
	e.broadcast("oiFunding", o)
}

func (e *Engine) broadcast(typ string, data any) {
	if e.hub != nil {
		e.hub.Broadcast(typ, data)
	}
}

// fail records the first fatal error; Run returns it on its next pass.
func (e *Engine) fail(err error) {
	e.log.Error().Err(err).Msg("store write failed")
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Engine) logStatus() {
	now := time.Now().UnixMilli()
	var active, prints int
	if e.spans != nil {
		active = e.spans.ActiveCount()
	}
	if e.flow != nil {
		prints = e.flow.TradeCount()
	}
	evt := e.log.Info().
		Int("symbols", len(e.cfg.Symbols)).
		Int("metricsRows", e.stores.Metrics.Count()).
		Int("outliers", e.stores.Outliers.Count()).
		Int("spansClosed", e.stores.Spans.Count()).
		Int("spansActive", active).
		Int("tradeWindow", prints)

	// One mid per symbol keeps the status line greppable.
	for _, sym := range e.cfg.Symbols {
		if p, ok := e.stores.Metrics.Latest(sym); ok && p.Ts >= now-2*e.cfg.MetricsInterval.Milliseconds() {
			evt = evt.Float64("mid_"+sym, p.Mid)
		}
	}
	evt.Msg("monitor status")
}
