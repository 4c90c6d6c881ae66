package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

// LiquidationStore holds forced-close events from the perp feeds.
type LiquidationStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.Liquidation]
}

func newLiquidationStore(db *sqlx.DB, log zerolog.Logger) (*LiquidationStore, error) {
	s := &LiquidationStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionShort, func(l types.Liquidation) int64 { return l.Ts }),
	}

	var rows []types.Liquidation
	err := db.Select(&rows, `SELECT ts, symbol, market, exchange, side, price, qty
		FROM liquidations WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionShort))
	if err != nil {
		return nil, fmt.Errorf("select liquidations: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

func (s *LiquidationStore) Append(l types.Liquidation) error {
	_, err := s.db.NamedExec(`INSERT INTO liquidations (ts, symbol, market, exchange, side, price, qty)
		VALUES (:ts, :symbol, :market, :exchange, :side, :price, :qty)`, l)
	if err != nil {
		return fmt.Errorf("insert liquidation: %w", err)
	}
	s.mem.add(l)
	return pruneDB(s.db, "liquidations", "ts", cutoff(retentionShort))
}

func (s *LiquidationStore) History(limit int, f Filter) []types.Liquidation {
	if err := pruneDB(s.db, "liquidations", "ts", cutoff(retentionShort)); err != nil {
		s.log.Warn().Err(err).Msg("liquidations prune failed")
	}
	return s.mem.tail(limit, func(l types.Liquidation) bool {
		return f.matchSymbol(l.Symbol) && f.matchMarket(string(l.Market)) && f.matchExchange(l.Exchange)
	})
}

func (s *LiquidationStore) Count() int {
	return s.mem.len()
}
