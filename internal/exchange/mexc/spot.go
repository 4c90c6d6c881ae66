package mexc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"depthwatch/internal/market"
	"depthwatch/internal/telemetry"
	"depthwatch/pkg/types"
)

const (
	// SpotAPIBase is the spot REST endpoint.
	SpotAPIBase = "https://api.mexc.com"

	depthPath = "/api/v3/depth"

	// Public REST allowance is far above this; the limiter exists to keep a
	// misconfigured poll interval from turning into a request flood.
	spotRequestsPerSec = 10
)

type spotDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// SpotPoller refreshes spot books by polling the REST depth endpoint. MEXC
// spot has no public incremental depth stream, so each poll replaces the
// whole top-N and the book layer diffs it.
type SpotPoller struct {
	http     *resty.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	symbols  []string
	depth    int
	interval time.Duration
	books    *market.Registry
	log      zerolog.Logger
}

// NewSpotPoller creates a poller over canonical symbols. The interval should
// already be floored by config validation; one second is the practical
// minimum before the venue starts rejecting.
func NewSpotPoller(baseURL string, symbols []string, depth int, interval time.Duration, books *market.Registry, log zerolog.Logger) *SpotPoller {
	st := gobreaker.Settings{
		Name:     "mexc-spot-depth",
		Interval: time.Minute,
		Timeout:  time.Minute,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &SpotPoller{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		limiter:  rate.NewLimiter(rate.Limit(spotRequestsPerSec), spotRequestsPerSec),
		breaker:  gobreaker.NewCircuitBreaker(st),
		symbols:  symbols,
		depth:    depth,
		interval: interval,
		books:    books,
		log:      log.With().Str("component", "poll_mexc_spot").Logger(),
	}
}

// Run polls immediately and then on every tick until ctx is cancelled. A
// failed poll drops that refresh; the books keep their previous state.
func (p *SpotPoller) Run(ctx context.Context) error {
	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *SpotPoller) pollAll(ctx context.Context) {
	for _, sym := range p.symbols {
		if err := p.pollOne(ctx, sym); err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.SpotPolls.WithLabelValues("error").Inc()
			p.log.Debug().Err(err).Str("symbol", sym).Msg("spot depth poll failed")
			continue
		}
		telemetry.SpotPolls.WithLabelValues("ok").Inc()
	}
}

func (p *SpotPoller) pollOne(ctx context.Context, sym string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	res, err := p.breaker.Execute(func() (any, error) {
		return p.fetchDepth(ctx, sym)
	})
	if err != nil {
		return err
	}

	d := res.(*spotDepth)
	book := p.books.GetOrCreate(types.ExchangeMexc, types.MarketSpot, sym)
	book.ApplySnapshot(parseLevels(d.Bids), parseLevels(d.Asks))
	return nil
}

func (p *SpotPoller) fetchDepth(ctx context.Context, sym string) (*spotDepth, error) {
	var out spotDepth
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", sym).
		SetQueryParam("limit", strconv.Itoa(p.depth)).
		SetResult(&out).
		Get(depthPath)
	if err != nil {
		return nil, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}

// parseLevels converts ["price","qty"] string pairs, skipping malformed rows.
func parseLevels(raw [][]string) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}
