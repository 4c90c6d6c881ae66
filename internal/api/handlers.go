package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"depthwatch/internal/config"
	"depthwatch/internal/flow"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
	"depthwatch/pkg/types"
)

const (
	defaultTailLimit = 200
	maxTailLimit     = 5000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return isOriginAllowed(r.Header.Get("Origin"), r.Host)
	},
}

// isOriginAllowed accepts non-browser clients (no Origin header), same-host
// pages and local development hosts. Cross-origin dashboards belong behind
// the same reverse proxy as the API.
func isOriginAllowed(origin, host string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handlers serves the read API over the stores and the live trackers.
type Handlers struct {
	cfg     *config.Config
	stores  *store.Set
	spans   *outlier.SpanTracker
	flow    *flow.Tracker
	hub     *Hub
	started time.Time
	log     zerolog.Logger
}

func newHandlers(cfg *config.Config, stores *store.Set, spans *outlier.SpanTracker,
	flowTracker *flow.Tracker, hub *Hub, log zerolog.Logger) *Handlers {

	return &Handlers{
		cfg:     cfg,
		stores:  stores,
		spans:   spans,
		flow:    flowTracker,
		hub:     hub,
		started: time.Now(),
		log:     log.With().Str("component", "api").Logger(),
	}
}

type configResponse struct {
	Symbols           []string  `json:"symbols"`
	Depth             int       `json:"depth"`
	BaseMmNotional    float64   `json:"baseMmNotional"`
	LargeMoveNotional float64   `json:"largeMoveNotional"`
	SizeBins          []float64 `json:"sizeBins"`
}

func (h *Handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, configResponse{
		Symbols:           h.cfg.Symbols,
		Depth:             h.cfg.Depth,
		BaseMmNotional:    h.cfg.BaseMmNotional,
		LargeMoveNotional: h.cfg.LargeMoveNotional,
		SizeBins:          h.cfg.SizeBins,
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]bool{"liveMonitoring": h.cfg.LiveMonitoring})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.Metrics.History(limit, f))
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.Trades.History(limit, f))
}

func (h *Handlers) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.Liquidations.History(limit, f))
}

func (h *Handlers) handleOiFunding(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.OiFunding.History(limit, f))
}

func (h *Handlers) handleOutliers(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.Outliers.History(limit, f))
}

func (h *Handlers) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.Spans.History(limit, f))
}

func (h *Handlers) handleLargeMoves(w http.ResponseWriter, r *http.Request) {
	limit, f, ok := h.tailQuery(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, h.stores.LargeMoves.History(limit, f))
}

// handleActiveSpans projects the open spans as if they closed now.
func (h *Handlers) handleActiveSpans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.spans.Active(time.Now().UnixMilli()))
}

// handleFlow reports the rolling trade-flow window per (symbol, market).
func (h *Handlers) handleFlow(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.flow.Snapshot(time.Now().UnixMilli()))
}

// handleWS upgrades the connection and seeds the client with the latest
// metrics point per symbol so a dashboard paints without waiting a tick.
func (h *Handlers) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	var seed [][]byte
	for _, sym := range h.cfg.Symbols {
		p, ok := h.stores.Metrics.Latest(sym)
		if !ok {
			continue
		}
		msg, err := json.Marshal(Envelope{Type: "metrics", Data: p})
		if err != nil {
			continue
		}
		seed = append(seed, msg)
	}
	h.hub.attach(conn, seed)
}

// tailQuery parses limit/symbol/market/exchange. On a bad value it writes
// the 400 itself and reports !ok.
func (h *Handlers) tailQuery(w http.ResponseWriter, r *http.Request) (int, store.Filter, bool) {
	limit, err := parseLimit(r)
	if err == nil {
		var f store.Filter
		f, err = parseFilter(r)
		if err == nil {
			return limit, f, true
		}
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
	return 0, store.Filter{}, false
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTailLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad limit %q", raw)
	}
	if n > maxTailLimit {
		n = maxTailLimit
	}
	return n, nil
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Symbol:   strings.TrimSpace(q.Get("symbol")),
		Exchange: strings.TrimSpace(q.Get("exchange")),
	}
	if raw := q.Get("market"); raw != "" {
		mkt, ok := types.ParseMarket(raw)
		if !ok {
			return store.Filter{}, fmt.Errorf("bad market %q", raw)
		}
		f.Market = string(mkt)
	}
	return f, nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("encode response")
	}
}
