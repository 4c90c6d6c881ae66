package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

// OiFundingStore holds open-interest and funding ticks from the perp feeds.
type OiFundingStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.OiFunding]
}

func newOiFundingStore(db *sqlx.DB, log zerolog.Logger) (*OiFundingStore, error) {
	s := &OiFundingStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionShort, func(o types.OiFunding) int64 { return o.Ts }),
	}

	var rows []types.OiFunding
	err := db.Select(&rows, `SELECT ts, symbol, market, exchange, open_interest, funding_rate, mark_price, next_funding_ts
		FROM oi_funding WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionShort))
	if err != nil {
		return nil, fmt.Errorf("select oi_funding: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

func (s *OiFundingStore) Append(o types.OiFunding) error {
	_, err := s.db.NamedExec(`INSERT INTO oi_funding (ts, symbol, market, exchange, open_interest, funding_rate, mark_price, next_funding_ts)
		VALUES (:ts, :symbol, :market, :exchange, :open_interest, :funding_rate, :mark_price, :next_funding_ts)`, o)
	if err != nil {
		return fmt.Errorf("insert oi_funding: %w", err)
	}
	s.mem.add(o)
	return pruneDB(s.db, "oi_funding", "ts", cutoff(retentionShort))
}

func (s *OiFundingStore) History(limit int, f Filter) []types.OiFunding {
	if err := pruneDB(s.db, "oi_funding", "ts", cutoff(retentionShort)); err != nil {
		s.log.Warn().Err(err).Msg("oi_funding prune failed")
	}
	return s.mem.tail(limit, func(o types.OiFunding) bool {
		return f.matchSymbol(o.Symbol) && f.matchMarket(string(o.Market)) && f.matchExchange(o.Exchange)
	})
}

func (s *OiFundingStore) Count() int {
	return s.mem.len()
}
