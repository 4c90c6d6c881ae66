package mexc

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/exchange"
	"depthwatch/pkg/types"
)

const (
	// SpotWSURL is the spot stream endpoint (trades only; spot depth is
	// polled over REST).
	SpotWSURL = "wss://wbs.mexc.com/ws"

	dealsChannel = "spot@public.deals.v3.api@"

	// The spot gateway wants a PING inside every 60s window.
	spotPingInterval = 30 * time.Second
)

type spotWsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

// spotWsEnvelope covers both push frames and command acks. Acks carry only
// id/code/msg.
type spotWsEnvelope struct {
	Channel string          `json:"c"`
	Symbol  string          `json:"s"`
	Data    json.RawMessage `json:"d"`
	Ts      int64           `json:"t"`
	Code    *int            `json:"code"`
	Msg     string          `json:"msg"`
}

type spotDealsData struct {
	Deals []spotDeal `json:"deals"`
}

type spotDeal struct {
	Price string `json:"p"`
	Qty   string `json:"v"`
	Side  int    `json:"S"` // 1 buy, 2 sell
	Ts    int64  `json:"t"`
}

// DealsFeed streams spot trade prints. It maintains no book state; every
// print goes straight to the sink.
type DealsFeed struct {
	ws      *exchange.WSConn
	symbols []string
	sink    exchange.Sink
	log     zerolog.Logger
}

// NewDealsFeed creates a spot trades feed over canonical symbols.
func NewDealsFeed(wsURL string, symbols []string, sink exchange.Sink, log zerolog.Logger) *DealsFeed {
	flog := log.With().Str("component", "ws_mexc_spot").Logger()
	return &DealsFeed{
		ws:      exchange.NewWSConn(wsURL, "mexc_spot", flog),
		symbols: symbols,
		sink:    sink,
		log:     flog,
	}
}

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *DealsFeed) Run(ctx context.Context) error {
	return f.ws.Run(ctx, f)
}

func (f *DealsFeed) Close() error {
	return f.ws.Close()
}

// OnConnect resubscribes the deals channel for every symbol.
func (f *DealsFeed) OnConnect() error {
	params := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		params = append(params, dealsChannel+sym)
	}
	if err := f.ws.WriteJSON(spotWsRequest{Method: "SUBSCRIPTION", Params: params}); err != nil {
		return err
	}
	f.log.Info().Int("symbols", len(f.symbols)).Msg("websocket connected")
	return nil
}

// Keepalive returns the spot client ping.
func (f *DealsFeed) Keepalive() (any, time.Duration) {
	return spotWsRequest{Method: "PING"}, spotPingInterval
}

// OnMessage handles one frame. Anything without a deals channel is an ack
// (PONG, subscription result) or noise.
func (f *DealsFeed) OnMessage(data []byte) {
	var env spotWsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.log.Debug().Str("data", string(data)).Msg("ignoring non-json ws message")
		return
	}

	if !strings.Contains(env.Channel, "public.deals") {
		if env.Code != nil && *env.Code != 0 {
			f.log.Warn().Int("code", *env.Code).Str("msg", env.Msg).Msg("subscription error")
		}
		return
	}

	sym := env.Symbol
	if sym == "" {
		sym = symbolFromChannel(env.Channel)
	}
	if sym == "" {
		return
	}

	var d spotDealsData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		f.log.Error().Err(err).Msg("unmarshal deals")
		return
	}

	for _, deal := range d.Deals {
		side := types.TradeBuy
		if deal.Side == 2 {
			side = types.TradeSell
		}
		ts := deal.Ts
		if ts == 0 {
			ts = env.Ts
		}
		f.sink.OnTrade(types.Trade{
			Ts:       ts,
			Symbol:   sym,
			Market:   types.MarketSpot,
			Exchange: types.ExchangeMexc,
			Price:    num(deal.Price),
			Qty:      num(deal.Qty),
			Side:     side,
		})
	}
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
