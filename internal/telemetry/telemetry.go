// Package telemetry registers the monitor's Prometheus metrics and serves
// them over /metrics. Metrics are package-level so feed loops and stores can
// record without threading a registry through every constructor.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WSMessages counts frames read from venue streams, per feed.
	WSMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthwatch_ws_messages_total",
			Help: "Total frames read from venue websocket streams",
		},
		[]string{"feed"},
	)

	// WSReconnects counts reconnect attempts after a stream drops.
	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthwatch_ws_reconnects_total",
			Help: "Total venue websocket reconnect attempts",
		},
		[]string{"feed"},
	)

	// SpotPolls counts REST depth polls by outcome.
	SpotPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthwatch_spot_polls_total",
			Help: "Total spot depth REST polls by result",
		},
		[]string{"result"},
	)

	// Ticks counts completed metrics engine ticks.
	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depthwatch_ticks_total",
			Help: "Total metrics engine ticks",
		},
	)

	// TickDuration observes the wall time of one metrics tick.
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "depthwatch_tick_duration_seconds",
			Help:    "Wall time of one metrics engine tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// WSClients tracks currently connected broadcast subscribers.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depthwatch_ws_clients",
			Help: "Connected websocket subscribers",
		},
	)

	// StoreAppends counts rows appended per table.
	StoreAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depthwatch_store_appends_total",
			Help: "Total rows appended to durable stores",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(
		WSMessages,
		WSReconnects,
		SpotPolls,
		Ticks,
		TickDuration,
		WSClients,
		StoreAppends,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
