// Package api serves the monitor's HTTP surface: the read API over the
// stores, the Prometheus endpoint and the websocket stream. Everything
// mounts under BASE_PATH so the process can sit behind a reverse proxy.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"depthwatch/internal/config"
	"depthwatch/internal/flow"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
	"depthwatch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the monitor.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer builds the router over the shared state. The hub must be
// running before the first websocket client attaches.
func NewServer(cfg *config.Config, stores *store.Set, spans *outlier.SpanTracker,
	flowTracker *flow.Tracker, hub *Hub, log zerolog.Logger) *Server {

	h := newHandlers(cfg, stores, spans, flowTracker, hub, log)

	r := mux.NewRouter()
	root := r
	if cfg.BasePath != "" {
		root = r.PathPrefix(cfg.BasePath).Subrouter()
	}
	registerRoutes(root, h)

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log.With().Str("component", "http").Logger(),
	}
}

func registerRoutes(root *mux.Router, h *Handlers) {
	api := root.PathPrefix("/api").Subrouter()
	api.HandleFunc("/config", h.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/history", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/trades", h.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/liquidations", h.handleLiquidations).Methods(http.MethodGet)
	api.HandleFunc("/oi-funding", h.handleOiFunding).Methods(http.MethodGet)
	api.HandleFunc("/large-moves", h.handleLargeMoves).Methods(http.MethodGet)
	api.HandleFunc("/flow", h.handleFlow).Methods(http.MethodGet)
	api.HandleFunc("/outliers", h.handleOutliers).Methods(http.MethodGet)
	api.HandleFunc("/outliers/spans", h.handleSpans).Methods(http.MethodGet)
	api.HandleFunc("/outliers/active", h.handleActiveSpans).Methods(http.MethodGet)
	api.HandleFunc("/outliers/report", h.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/outliers/report.csv", h.handleReportCSV).Methods(http.MethodGet)
	api.HandleFunc("/outliers/report/busiest", h.handleReportBusiest).Methods(http.MethodGet)

	root.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/", h.handleWS)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
// Websocket connections are not waited on; the hub closes those.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return err
	}
	return <-errCh
}
