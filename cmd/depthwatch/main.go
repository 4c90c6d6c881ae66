// Depthwatch is a real-time order book microstructure monitor for Bybit and
// MEXC spot and perpetual markets.
//
// Architecture:
//
//	main.go              entry point: flags, config, wiring, signal-driven shutdown
//	engine/engine.go     metrics tick: merge venue books, score outliers, diff large moves
//	engine/metrics.go    pure per-tick computations (distance bins, large levels, move diff)
//	outlier/detector.go  per-side size z-score scan with book/volatility context capture
//	outlier/spans.go     open/extend/close lifecycle of persistent outlier levels
//	flow/tracker.go      rolling per-(symbol, market) trade flow window
//	market/book.go       venue book mirrors fed by snapshots and deltas, move tracking
//	exchange/bybit       v5 public websocket (depth, trades, tickers, liquidations)
//	exchange/mexc        contract websocket, spot deals websocket, spot depth REST poll
//	store/               SQLite persistence with in-memory tails and retention pruning
//	api/                 HTTP read API, Prometheus endpoint, websocket fan-out hub
//
// The monitor never trades. It watches how liquidity behaves: where resting
// size concentrates, which oversized levels persist, and what flow executes
// against them.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"depthwatch/internal/api"
	"depthwatch/internal/config"
	"depthwatch/internal/engine"
	"depthwatch/internal/exchange"
	"depthwatch/internal/exchange/bybit"
	"depthwatch/internal/exchange/mexc"
	"depthwatch/internal/flow"
	"depthwatch/internal/market"
	"depthwatch/internal/outlier"
	"depthwatch/internal/store"
)

// flowWindow is the rolling window served by /api/flow.
const flowWindow = time.Minute

func main() {
	var envFile, logLevel string

	root := &cobra.Command{
		Use:          "depthwatch",
		Short:        "Order book microstructure monitor for Bybit and MEXC",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), envFile, logLevel)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "path to the KEY=VALUE env file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile, logLevel string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)

	stores, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	books := market.NewRegistry()
	hist := market.NewMidHistory()
	spans := outlier.NewSpanTracker()
	flowTracker := flow.NewTracker(flowWindow)
	hub := api.NewHub(log)

	eng := engine.New(cfg, books, hist, spans, flowTracker, stores, hub, log)
	srv := api.NewServer(cfg, stores, spans, flowTracker, hub, log)

	log.Info().
		Strs("symbols", cfg.Symbols).
		Int("depth", cfg.Depth).
		Bool("live", cfg.LiveMonitoring).
		Str("addr", cfg.Addr()).
		Msg("depthwatch starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.LiveMonitoring {
		startFeeds(ctx, g, cfg, books, eng, log)
	} else {
		log.Warn().Msg("live monitoring disabled, serving stored data only")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("depthwatch exiting")
		return err
	}
	log.Info().Msg("depthwatch stopped")
	return nil
}

// startFeeds launches the four venue streams and the spot depth poller.
func startFeeds(ctx context.Context, g *errgroup.Group, cfg *config.Config,
	books *market.Registry, sink exchange.Sink, log zerolog.Logger) {

	bybitSpot := bybit.NewFeed(bybit.PublicURL(bybit.CategorySpot), bybit.CategorySpot,
		cfg.Symbols, cfg.Depth, books, sink, log)
	bybitPerp := bybit.NewFeed(bybit.PublicURL(bybit.CategoryLinear), bybit.CategoryLinear,
		cfg.Symbols, cfg.Depth, books, sink, log)
	mexcPerp := mexc.NewPerpFeed(mexc.PerpURL, cfg.Symbols, cfg.Depth, books, sink, log)
	mexcDeals := mexc.NewDealsFeed(mexc.SpotWSURL, cfg.Symbols, sink, log)
	mexcSpot := mexc.NewSpotPoller(mexc.SpotAPIBase, cfg.Symbols, cfg.Depth,
		cfg.SpotPollInterval, books, log)

	g.Go(func() error { return bybitSpot.Run(ctx) })
	g.Go(func() error { return bybitPerp.Run(ctx) })
	g.Go(func() error { return mexcPerp.Run(ctx) })
	g.Go(func() error { return mexcDeals.Run(ctx) })
	g.Go(func() error { return mexcSpot.Run(ctx) })
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}
