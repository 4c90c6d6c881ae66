// Package mexc feeds MEXC market data from three surfaces: the contract
// websocket (full-depth snapshots, deals, tickers), the spot REST depth
// endpoint (polled), and the spot websocket (deals).
//
// The contract API names symbols with an underscore (BTC_USDT); everything
// this package emits is translated back to the canonical form.
package mexc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/exchange"
	"depthwatch/internal/market"
	"depthwatch/pkg/types"
)

const (
	// PerpURL is the contract stream endpoint.
	PerpURL = "wss://contract.mexc.com/edge"

	// The contract gateway closes connections without a ping for ~20s.
	perpPingInterval = 15 * time.Second
)

var perpDepths = []int{5, 10, 20}

type perpEnvelope struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

type perpRequest struct {
	Method string    `json:"method"`
	Param  perpParam `json:"param,omitempty"`
}

type perpParam struct {
	Symbol string `json:"symbol,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// perpDepthData carries full top-N books; levels are [price, vol, orders].
type perpDepthData struct {
	Bids    [][]float64 `json:"bids"`
	Asks    [][]float64 `json:"asks"`
	Version int64       `json:"version"`
}

type perpDeal struct {
	Price float64 `json:"p"`
	Vol   float64 `json:"v"`
	Side  int     `json:"T"` // 1 buy, 2 sell
	Ts    int64   `json:"t"`
}

type perpTicker struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice"`
	FairPrice   float64 `json:"fairPrice"`
	HoldVol     float64 `json:"holdVol"`
	FundingRate float64 `json:"fundingRate"`
	Timestamp   int64   `json:"timestamp"`
}

// PerpFeed maintains one connection to the contract stream. Depth arrives as
// complete top-N snapshots; the book layer diffs them against its previous
// state.
type PerpFeed struct {
	ws      *exchange.WSConn
	symbols []string
	depth   int
	books   *market.Registry
	sink    exchange.Sink
	log     zerolog.Logger
}

// NewPerpFeed creates a contract feed over canonical symbols. Depth is
// clamped to the contract API's supported set.
func NewPerpFeed(wsURL string, symbols []string, depth int, books *market.Registry, sink exchange.Sink, log zerolog.Logger) *PerpFeed {
	flog := log.With().Str("component", "ws_mexc_perp").Logger()
	return &PerpFeed{
		ws:      exchange.NewWSConn(wsURL, "mexc_perp", flog),
		symbols: symbols,
		depth:   exchange.NearestDepth(perpDepths, depth),
		books:   books,
		sink:    sink,
		log:     flog,
	}
}

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *PerpFeed) Run(ctx context.Context) error {
	return f.ws.Run(ctx, f)
}

func (f *PerpFeed) Close() error {
	return f.ws.Close()
}

// OnConnect resubscribes every symbol's depth, deal and ticker channels.
func (f *PerpFeed) OnConnect() error {
	for _, sym := range f.symbols {
		venueSym := PerpSymbol(sym)
		subs := []perpRequest{
			{Method: "sub.depth.full", Param: perpParam{Symbol: venueSym, Limit: f.depth}},
			{Method: "sub.deal", Param: perpParam{Symbol: venueSym}},
			{Method: "sub.ticker", Param: perpParam{Symbol: venueSym}},
		}
		for _, sub := range subs {
			if err := f.ws.WriteJSON(sub); err != nil {
				return err
			}
		}
	}
	f.log.Info().Int("depth", f.depth).Msg("websocket connected")
	return nil
}

// Keepalive returns the contract client ping.
func (f *PerpFeed) Keepalive() (any, time.Duration) {
	return perpRequest{Method: "ping"}, perpPingInterval
}

// OnMessage routes one frame by channel.
func (f *PerpFeed) OnMessage(data []byte) {
	var env perpEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Debug().Str("data", string(data)).Msg("ignoring non-json ws message")
		return
	}

	switch env.Channel {
	case "push.depth.full":
		f.handleDepth(env)
	case "push.deal":
		f.handleDeal(env)
	case "push.ticker":
		f.handleTicker(env)
	case "pong":
		// keepalive ack
	case "ping":
		if err := f.ws.WriteJSON(perpRequest{Method: "pong"}); err != nil {
			f.log.Warn().Err(err).Msg("pong failed")
		}
	case "rs.error":
		f.log.Warn().Str("data", string(env.Data)).Msg("subscription error")
	default:
		if !strings.HasPrefix(env.Channel, "rs.") {
			f.log.Debug().Str("channel", env.Channel).Msg("unknown ws channel")
		}
	}
}

func (f *PerpFeed) handleDepth(env perpEnvelope) {
	var d perpDepthData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		f.log.Error().Err(err).Msg("unmarshal depth")
		return
	}
	sym := NeutralSymbol(env.Symbol)
	if sym == "" {
		return
	}

	book := f.books.GetOrCreate(types.ExchangeMexc, types.MarketPerp, sym)
	book.ApplySnapshot(parseNumLevels(d.Bids), parseNumLevels(d.Asks))
}

// handleDeal accepts both shapes the contract stream uses: a single deal
// object and an array of them.
func (f *PerpFeed) handleDeal(env perpEnvelope) {
	raw := bytes.TrimSpace(env.Data)
	var deals []perpDeal
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &deals); err != nil {
			f.log.Error().Err(err).Msg("unmarshal deals")
			return
		}
	} else {
		var d perpDeal
		if err := json.Unmarshal(raw, &d); err != nil {
			f.log.Error().Err(err).Msg("unmarshal deal")
			return
		}
		deals = append(deals, d)
	}

	sym := NeutralSymbol(env.Symbol)
	for _, d := range deals {
		side := types.TradeBuy
		if d.Side == 2 {
			side = types.TradeSell
		}
		ts := d.Ts
		if ts == 0 {
			ts = env.Ts
		}
		f.sink.OnTrade(types.Trade{
			Ts:       ts,
			Symbol:   sym,
			Market:   types.MarketPerp,
			Exchange: types.ExchangeMexc,
			Price:    d.Price,
			Qty:      d.Vol,
			Side:     side,
		})
	}
}

func (f *PerpFeed) handleTicker(env perpEnvelope) {
	var t perpTicker
	if err := json.Unmarshal(env.Data, &t); err != nil {
		f.log.Error().Err(err).Msg("unmarshal ticker")
		return
	}
	sym := NeutralSymbol(t.Symbol)
	if sym == "" {
		sym = NeutralSymbol(env.Symbol)
	}
	ts := t.Timestamp
	if ts == 0 {
		ts = env.Ts
	}

	f.sink.OnOiFunding(types.OiFunding{
		Ts:           ts,
		Symbol:       sym,
		Market:       types.MarketPerp,
		Exchange:     types.ExchangeMexc,
		OpenInterest: t.HoldVol,
		FundingRate:  t.FundingRate,
		MarkPrice:    t.FairPrice,
	})
}

// parseNumLevels converts [price, vol, ...] numeric rows, dropping short ones.
func parseNumLevels(raw [][]float64) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		out = append(out, types.Level{Price: row[0], Size: row[1]})
	}
	return out
}
