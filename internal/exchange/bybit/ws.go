// Package bybit feeds order book depth, trades, tickers and liquidations
// from the Bybit v5 public websocket streams.
//
// One Feed handles one product category (spot or linear). Depth arrives as a
// snapshot followed by incremental deltas where size 0 deletes a level.
// Linear feeds additionally subscribe to the ticker stream (open interest,
// funding) and the liquidation stream, falling back to the retired
// per-symbol liquidation topic when the venue rejects the current one.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/exchange"
	"depthwatch/internal/market"
	"depthwatch/pkg/types"
)

const (
	CategorySpot   = "spot"
	CategoryLinear = "linear"

	wsBase = "wss://stream.bybit.com/v5/public/"

	// The v5 gateway drops connections idle for more than ~30s without a
	// client ping.
	pingInterval = 20 * time.Second

	liqReqID = "sub-liq"
)

var (
	spotDepths   = []int{1, 50, 200}
	linearDepths = []int{1, 50, 200, 500}
)

// PublicURL returns the v5 public stream endpoint for a category.
func PublicURL(category string) string {
	return wsBase + category
}

// Feed maintains one websocket connection to a bybit public stream and keeps
// the venue's books in the shared registry current.
type Feed struct {
	ws       *exchange.WSConn
	category string
	mkt      types.MarketKind
	symbols  []string
	depth    int
	books    *market.Registry
	sink     exchange.Sink
	log      zerolog.Logger

	// tickers.<sym> deltas carry only changed fields; merged state per symbol.
	oiMu sync.Mutex
	oi   map[string]types.OiFunding

	// Liquidation topic fallback state, sticky across reconnects.
	liqLegacy bool
	liqDown   bool
}

// NewFeed creates a feed for one category over the given symbols. Depth is
// clamped to the category's supported set.
func NewFeed(wsURL, category string, symbols []string, depth int, books *market.Registry, sink exchange.Sink, log zerolog.Logger) *Feed {
	mkt := types.MarketSpot
	depths := spotDepths
	if category == CategoryLinear {
		mkt = types.MarketPerp
		depths = linearDepths
	}
	flog := log.With().Str("component", "ws_bybit_"+category).Logger()
	return &Feed{
		ws:       exchange.NewWSConn(wsURL, "bybit_"+category, flog),
		category: category,
		mkt:      mkt,
		symbols:  symbols,
		depth:    exchange.NearestDepth(depths, depth),
		books:    books,
		sink:     sink,
		oi:       make(map[string]types.OiFunding),
		log:      flog,
	}
}

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	return f.ws.Run(ctx, f)
}

// Close releases the current connection, if any.
func (f *Feed) Close() error {
	return f.ws.Close()
}

// OnConnect sends the subscriptions after every (re)connect.
func (f *Feed) OnConnect() error {
	if err := f.subscribe(); err != nil {
		return err
	}
	f.log.Info().Str("category", f.category).Int("depth", f.depth).Msg("websocket connected")
	return nil
}

// Keepalive returns the v5 client ping.
func (f *Feed) Keepalive() (any, time.Duration) {
	return subscribeMsg{Op: "ping"}, pingInterval
}

func (f *Feed) subscribe() error {
	args := make([]string, 0, 3*len(f.symbols))
	for _, sym := range f.symbols {
		args = append(args,
			fmt.Sprintf("orderbook.%d.%s", f.depth, sym),
			"publicTrade."+sym,
		)
		if f.category == CategoryLinear {
			args = append(args, "tickers."+sym)
		}
	}
	if err := f.ws.WriteJSON(subscribeMsg{ReqID: "sub-core", Op: "subscribe", Args: args}); err != nil {
		return err
	}

	if f.category == CategoryLinear && !f.liqDown {
		return f.subscribeLiquidations()
	}
	return nil
}

// subscribeLiquidations requests the liquidation stream under its own req_id
// so a rejection can be told apart from the core subscription's ack.
func (f *Feed) subscribeLiquidations() error {
	topic := "allLiquidation."
	if f.liqLegacy {
		topic = "liquidation."
	}
	args := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		args = append(args, topic+sym)
	}
	return f.ws.WriteJSON(subscribeMsg{ReqID: liqReqID, Op: "subscribe", Args: args})
}

// OnMessage routes one frame by topic prefix.
func (f *Feed) OnMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Debug().Str("data", string(data)).Msg("ignoring non-json ws message")
		return
	}

	if env.Op != "" {
		f.handleAck(env)
		return
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		f.handleDepth(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		f.handleTrades(env)
	case strings.HasPrefix(env.Topic, "tickers."):
		f.handleTicker(env)
	case strings.HasPrefix(env.Topic, "allLiquidation."):
		f.handleLiquidations(env)
	case strings.HasPrefix(env.Topic, "liquidation."):
		f.handleLegacyLiquidation(env)
	default:
		f.log.Debug().Str("topic", env.Topic).Msg("unknown ws topic")
	}
}

// handleAck processes command responses. The only one that matters is a
// rejected liquidation subscription: retry once on the legacy topic, then
// run without liquidations.
func (f *Feed) handleAck(env wsEnvelope) {
	if env.Op != "subscribe" || env.Success == nil || *env.Success {
		return
	}
	if env.ReqID != liqReqID {
		f.log.Warn().Str("ret_msg", env.RetMsg).Str("req_id", env.ReqID).Msg("subscription rejected")
		return
	}

	if !f.liqLegacy {
		f.liqLegacy = true
		f.log.Warn().Str("ret_msg", env.RetMsg).Msg("liquidation stream rejected, retrying legacy topic")
		if err := f.subscribeLiquidations(); err != nil {
			f.log.Warn().Err(err).Msg("legacy liquidation subscribe failed")
		}
		return
	}
	if !f.liqDown {
		f.liqDown = true
		f.log.Warn().Str("ret_msg", env.RetMsg).Msg("no liquidation stream available, continuing without")
	}
}

func (f *Feed) handleDepth(env wsEnvelope) {
	var d depthData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		f.log.Error().Err(err).Msg("unmarshal depth")
		return
	}
	sym := d.Symbol
	if sym == "" {
		sym = symbolFromTopic(env.Topic)
	}
	if sym == "" {
		return
	}

	book := f.books.GetOrCreate(types.ExchangeBybit, f.mkt, sym)
	bids := parseLevels(d.Bids)
	asks := parseLevels(d.Asks)
	if env.Type == "snapshot" {
		book.ApplySnapshot(bids, asks)
		return
	}
	book.ApplyUpdates(bids, asks)
}

func (f *Feed) handleTrades(env wsEnvelope) {
	var trades []tradeData
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		f.log.Error().Err(err).Msg("unmarshal trades")
		return
	}
	for _, t := range trades {
		f.sink.OnTrade(types.Trade{
			Ts:       t.Ts,
			Symbol:   t.Symbol,
			Market:   f.mkt,
			Exchange: types.ExchangeBybit,
			Price:    num(t.Price),
			Qty:      num(t.Qty),
			Side:     parseSide(t.Side),
		})
	}
}

// handleTicker merges a snapshot or delta into the per-symbol state and
// emits the merged tick.
func (f *Feed) handleTicker(env wsEnvelope) {
	var t tickerData
	if err := json.Unmarshal(env.Data, &t); err != nil {
		f.log.Error().Err(err).Msg("unmarshal ticker")
		return
	}
	sym := t.Symbol
	if sym == "" {
		sym = symbolFromTopic(env.Topic)
	}
	if sym == "" {
		return
	}

	f.oiMu.Lock()
	state := f.oi[sym]
	state.Symbol = sym
	state.Market = types.MarketPerp
	state.Exchange = types.ExchangeBybit
	state.Ts = env.Ts
	if state.Ts == 0 {
		state.Ts = time.Now().UnixMilli()
	}
	if t.OpenInterest != "" {
		state.OpenInterest = num(t.OpenInterest)
	}
	if t.FundingRate != "" {
		state.FundingRate = num(t.FundingRate)
	}
	if t.MarkPrice != "" {
		state.MarkPrice = num(t.MarkPrice)
	}
	if t.NextFundingTime != "" {
		state.NextFundingTs = numInt(t.NextFundingTime)
	}
	f.oi[sym] = state
	f.oiMu.Unlock()

	f.sink.OnOiFunding(state)
}

func (f *Feed) handleLiquidations(env wsEnvelope) {
	var liqs []liqData
	if err := json.Unmarshal(env.Data, &liqs); err != nil {
		f.log.Error().Err(err).Msg("unmarshal liquidations")
		return
	}
	for _, l := range liqs {
		f.sink.OnLiquidation(types.Liquidation{
			Ts:       l.Ts,
			Symbol:   l.Symbol,
			Market:   types.MarketPerp,
			Exchange: types.ExchangeBybit,
			Side:     parseSide(l.Side),
			Price:    num(l.Price),
			Qty:      num(l.Qty),
		})
	}
}

func (f *Feed) handleLegacyLiquidation(env wsEnvelope) {
	var l legacyLiqData
	if err := json.Unmarshal(env.Data, &l); err != nil {
		f.log.Error().Err(err).Msg("unmarshal legacy liquidation")
		return
	}
	f.sink.OnLiquidation(types.Liquidation{
		Ts:       l.UpdatedTime,
		Symbol:   l.Symbol,
		Market:   types.MarketPerp,
		Exchange: types.ExchangeBybit,
		Side:     parseSide(l.Side),
		Price:    num(l.Price),
		Qty:      num(l.Size),
	})
}

// symbolFromTopic extracts the symbol from topics like orderbook.50.BTCUSDT
// or tickers.BTCUSDT.
func symbolFromTopic(topic string) string {
	i := strings.LastIndex(topic, ".")
	if i < 0 || i+1 >= len(topic) {
		return ""
	}
	sym := topic[i+1:]
	// Depth topics put a number in the middle; anything numeric is not a symbol.
	if _, err := strconv.Atoi(sym); err == nil {
		return ""
	}
	return sym
}
