package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"depthwatch/internal/config"
	"depthwatch/internal/flow"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
	"depthwatch/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"empty origin is allowed", "", "example.com:3000", true},
		{"same host allowed", "http://example.com:3000", "example.com:3000", true},
		{"localhost allowed", "http://localhost:5173", "example.com:3000", true},
		{"loopback allowed", "http://127.0.0.1:5173", "example.com:3000", true},
		{"foreign origin denied", "https://evil.example", "example.com:3000", false},
		{"garbage origin denied", "not a url", "example.com:3000", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.host); got != tt.want {
				t.Fatalf("isOriginAllowed(%q, %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
			}
		})
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Symbols:           []string{"BTCUSDT"},
		Depth:             50,
		BaseMmNotional:    30000,
		LargeMoveNotional: 30000,
		SizeBins:          []float64{500, 1000, 2500},
		DistanceBinsBps:   []float64{5, 10, 25},
		LiveMonitoring:    true,
		Host:              "127.0.0.1",
		Port:              3000,
	}
}

// newTestServer wires a server over fresh stores and a running hub.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Set, *Hub) {
	t.Helper()

	stores, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(cfg, stores, outlier.NewSpanTracker(), flow.NewTracker(time.Minute), hub, zerolog.Nop())
	return srv, stores, hub
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v\nbody: %s", path, err, rec.Body.String())
		}
	}
	return rec
}

func TestConfigStatusHealth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, testConfig())

	var cfgResp configResponse
	if rec := getJSON(t, srv.Handler(), "/api/config", &cfgResp); rec.Code != http.StatusOK {
		t.Fatalf("config status = %d", rec.Code)
	}
	if len(cfgResp.Symbols) != 1 || cfgResp.Symbols[0] != "BTCUSDT" {
		t.Errorf("symbols = %v", cfgResp.Symbols)
	}
	if cfgResp.Depth != 50 || cfgResp.BaseMmNotional != 30000 || len(cfgResp.SizeBins) != 3 {
		t.Errorf("config = %+v", cfgResp)
	}

	var status map[string]bool
	getJSON(t, srv.Handler(), "/api/status", &status)
	if !status["liveMonitoring"] {
		t.Errorf("status = %v", status)
	}

	var health map[string]string
	getJSON(t, srv.Handler(), "/api/health", &health)
	if health["status"] != "ok" || health["uptime"] == "" {
		t.Errorf("health = %v", health)
	}
}

func TestTailEndpointsFilterAndLimit(t *testing.T) {
	t.Parallel()
	srv, stores, _ := newTestServer(t, testConfig())

	now := time.Now().UnixMilli()
	seed := []types.Trade{
		{Ts: now - 3000, Symbol: "BTCUSDT", Market: types.MarketSpot, Exchange: types.ExchangeBybit, Price: 100, Qty: 1, Side: types.TradeBuy},
		{Ts: now - 2000, Symbol: "BTCUSDT", Market: types.MarketPerp, Exchange: types.ExchangeMexc, Price: 101, Qty: 2, Side: types.TradeSell},
		{Ts: now - 1000, Symbol: "ETHUSDT", Market: types.MarketSpot, Exchange: types.ExchangeBybit, Price: 50, Qty: 3, Side: types.TradeBuy},
	}
	for _, tr := range seed {
		if err := stores.Trades.Append(tr); err != nil {
			t.Fatalf("seed trade: %v", err)
		}
	}

	var all []types.Trade
	getJSON(t, srv.Handler(), "/api/trades", &all)
	if len(all) != 3 {
		t.Fatalf("trades = %d, want 3", len(all))
	}

	var filtered []types.Trade
	getJSON(t, srv.Handler(), "/api/trades?symbol=btcusdt&market=perp&exchange=mexc", &filtered)
	if len(filtered) != 1 || filtered[0].Price != 101 {
		t.Errorf("filtered = %+v", filtered)
	}

	var limited []types.Trade
	getJSON(t, srv.Handler(), "/api/trades?limit=2", &limited)
	if len(limited) != 2 || limited[0].Price != 101 || limited[1].Price != 50 {
		t.Errorf("limited tail = %+v", limited)
	}

	if rec := getJSON(t, srv.Handler(), "/api/trades?market=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad market status = %d", rec.Code)
	}
	if rec := getJSON(t, srv.Handler(), "/api/trades?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	srv, stores, _ := newTestServer(t, testConfig())

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		p := types.MetricsPoint{Ts: now - int64(3-i)*1000, Symbol: "BTCUSDT", Mid: 100 + float64(i)}
		if err := stores.Metrics.Append(p); err != nil {
			t.Fatalf("seed point: %v", err)
		}
	}

	var points []types.MetricsPoint
	getJSON(t, srv.Handler(), "/api/history?limit=2", &points)
	if len(points) != 2 {
		t.Fatalf("history = %d points, want 2", len(points))
	}
	if points[0].Mid != 101 || points[1].Mid != 102 {
		t.Errorf("history tail = %+v", points)
	}
}

func TestActiveSpansEndpoint(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	stores, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	spans := outlier.NewSpanTracker()
	spans.Update([]types.OutlierRecord{{
		Ts: time.Now().UnixMilli(), Symbol: "BTCUSDT", Market: types.MarketPerp,
		Exchange: types.ExchangeBybit, Side: types.SideBid, Price: 99, Size: 500, ZScore: 6,
	}})

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(cfg, stores, spans, flow.NewTracker(time.Minute), hub, zerolog.Nop())

	var active []types.OutlierSpan
	getJSON(t, srv.Handler(), "/api/outliers/active", &active)
	if len(active) != 1 || active[0].Price != 99 || active[0].MaxZ != 6 {
		t.Errorf("active = %+v", active)
	}
}

func TestBasePathMounting(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BasePath = "/mon"
	srv, _, _ := newTestServer(t, cfg)

	if rec := getJSON(t, srv.Handler(), "/mon/api/health", nil); rec.Code != http.StatusOK {
		t.Errorf("prefixed health status = %d", rec.Code)
	}
	if rec := getJSON(t, srv.Handler(), "/api/health", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unprefixed health status = %d, want 404", rec.Code)
	}
	if rec := getJSON(t, srv.Handler(), "/mon/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("prefixed metrics status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body empty")
	}
}
