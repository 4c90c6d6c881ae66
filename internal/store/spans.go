package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

const spanCols = `start_ts, end_ts, duration_ms, symbol, market, exchange, side, price,
	max_z, avg_z, count, start_size, end_size, filled_pct, start_bps, end_bps,
	start_book, end_book,
	start_best_bid, start_best_ask, end_best_bid, end_best_ask,
	start_spread_bps, end_spread_bps, start_imbalance, end_imbalance,
	start_bid_depth, start_ask_depth, end_bid_depth, end_ask_depth,
	start_microprice, end_microprice, start_level_rank, end_level_rank,
	start_vol_1m, start_vol_5m, end_vol_1m, end_vol_5m,
	size_delta, size_delta_pct, trade_buy_qty, trade_sell_qty, trade_count`

const spanInsert = `INSERT INTO outlier_spans (` + spanCols + `) VALUES (
	:start_ts, :end_ts, :duration_ms, :symbol, :market, :exchange, :side, :price,
	:max_z, :avg_z, :count, :start_size, :end_size, :filled_pct, :start_bps, :end_bps,
	:start_book, :end_book,
	:start_best_bid, :start_best_ask, :end_best_bid, :end_best_ask,
	:start_spread_bps, :end_spread_bps, :start_imbalance, :end_imbalance,
	:start_bid_depth, :start_ask_depth, :end_bid_depth, :end_ask_depth,
	:start_microprice, :end_microprice, :start_level_rank, :end_level_rank,
	:start_vol_1m, :start_vol_5m, :end_vol_1m, :end_vol_5m,
	:size_delta, :size_delta_pct, :trade_buy_qty, :trade_sell_qty, :trade_count)`

// SpanStore holds closed outlier spans, pruned by their end timestamp.
type SpanStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.OutlierSpan]
}

func newSpanStore(db *sqlx.DB, log zerolog.Logger) (*SpanStore, error) {
	s := &SpanStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionLong, func(sp types.OutlierSpan) int64 { return sp.EndTs }),
	}

	var rows []types.OutlierSpan
	err := db.Select(&rows, `SELECT `+spanCols+` FROM outlier_spans WHERE end_ts >= ? ORDER BY end_ts ASC`, cutoff(retentionLong))
	if err != nil {
		return nil, fmt.Errorf("select outlier_spans: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

func (s *SpanStore) Append(sp types.OutlierSpan) error {
	if _, err := s.db.NamedExec(spanInsert, sp); err != nil {
		return fmt.Errorf("insert outlier span: %w", err)
	}
	s.mem.add(sp)
	return pruneDB(s.db, "outlier_spans", "end_ts", cutoff(retentionLong))
}

func (s *SpanStore) History(limit int, f Filter) []types.OutlierSpan {
	if err := pruneDB(s.db, "outlier_spans", "end_ts", cutoff(retentionLong)); err != nil {
		s.log.Warn().Err(err).Msg("outlier_spans prune failed")
	}
	return s.mem.tail(limit, func(sp types.OutlierSpan) bool {
		return f.matchSymbol(sp.Symbol) && f.matchMarket(string(sp.Market)) && f.matchExchange(sp.Exchange)
	})
}

func (s *SpanStore) Count() int {
	return s.mem.len()
}
