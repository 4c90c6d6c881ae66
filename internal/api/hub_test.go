package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubStreamDeliversFrames(t *testing.T) {
	t.Parallel()
	srv, stores, hub := newTestServer(t, testConfig())

	// Latest point per symbol seeds every new client.
	point := types.MetricsPoint{Ts: time.Now().UnixMilli(), Symbol: "BTCUSDT", Mid: 100.25}
	if err := stores.Metrics.Append(point); err != nil {
		t.Fatalf("seed point: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	readEnvelope := func() Envelope {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return env
	}

	if env := readEnvelope(); env.Type != "metrics" {
		t.Fatalf("seed frame type = %q, want metrics", env.Type)
	}

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast("trade", types.Trade{
		Ts: 1, Symbol: "BTCUSDT", Market: types.MarketSpot,
		Exchange: types.ExchangeBybit, Price: 100, Qty: 1, Side: types.TradeBuy,
	})

	env := readEnvelope()
	if env.Type != "trade" {
		t.Fatalf("frame type = %q, want trade", env.Type)
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	var tr types.Trade
	if err := json.Unmarshal(raw, &tr); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if tr.Symbol != "BTCUSDT" || tr.Price != 100 || tr.Side != types.TradeBuy {
		t.Errorf("trade = %+v", tr)
	}
}

func TestHubDropsStalledClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	// A client with a full queue and no pump draining it.
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast("metrics", 1)
	hub.Broadcast("metrics", 2)

	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	// The hub must have closed the queue when it dropped the client.
	waitFor(t, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	})
}

func TestHubShutdownClosesClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	cancel()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	waitFor(t, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	})
}
