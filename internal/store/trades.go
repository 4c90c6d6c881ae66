package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

// TradeStore holds normalized prints from every feed.
type TradeStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.Trade]
}

func newTradeStore(db *sqlx.DB, log zerolog.Logger) (*TradeStore, error) {
	s := &TradeStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionLong, func(t types.Trade) int64 { return t.Ts }),
	}

	var rows []types.Trade
	err := db.Select(&rows, `SELECT ts, symbol, market, exchange, price, qty, side
		FROM trades WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionLong))
	if err != nil {
		return nil, fmt.Errorf("select trades: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

func (s *TradeStore) Append(t types.Trade) error {
	_, err := s.db.NamedExec(`INSERT INTO trades (ts, symbol, market, exchange, price, qty, side)
		VALUES (:ts, :symbol, :market, :exchange, :price, :qty, :side)`, t)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	s.mem.add(t)
	return pruneDB(s.db, "trades", "ts", cutoff(retentionLong))
}

func (s *TradeStore) History(limit int, f Filter) []types.Trade {
	if err := pruneDB(s.db, "trades", "ts", cutoff(retentionLong)); err != nil {
		s.log.Warn().Err(err).Msg("trades prune failed")
	}
	return s.mem.tail(limit, func(t types.Trade) bool {
		return f.matchSymbol(t.Symbol) && f.matchMarket(string(t.Market)) && f.matchExchange(t.Exchange)
	})
}

func (s *TradeStore) Count() int {
	return s.mem.len()
}
