package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

const outlierInsert = `INSERT INTO outliers (ts, symbol, market, exchange, side, price, size, z_score, bps_from_mid)
	VALUES (:ts, :symbol, :market, :exchange, :side, :price, :size, :z_score, :bps_from_mid)`

// OutlierStore holds flagged levels. The enrichment context on a record is
// span-tracker input only and is not persisted here.
type OutlierStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.OutlierRecord]
}

func newOutlierStore(db *sqlx.DB, log zerolog.Logger) (*OutlierStore, error) {
	s := &OutlierStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionLong, func(r types.OutlierRecord) int64 { return r.Ts }),
	}

	var rows []types.OutlierRecord
	err := db.Select(&rows, `SELECT ts, symbol, market, exchange, side, price, size, z_score, bps_from_mid
		FROM outliers WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionLong))
	if err != nil {
		return nil, fmt.Errorf("select outliers: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

// AppendAll writes one tick's records in a single transaction.
func (s *OutlierStore) AppendAll(recs []types.OutlierRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin outliers tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range recs {
		if _, err := tx.NamedExec(outlierInsert, r); err != nil {
			return fmt.Errorf("insert outlier: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outliers: %w", err)
	}

	s.mem.add(recs...)
	return pruneDB(s.db, "outliers", "ts", cutoff(retentionLong))
}

func (s *OutlierStore) History(limit int, f Filter) []types.OutlierRecord {
	if err := pruneDB(s.db, "outliers", "ts", cutoff(retentionLong)); err != nil {
		s.log.Warn().Err(err).Msg("outliers prune failed")
	}
	return s.mem.tail(limit, func(r types.OutlierRecord) bool {
		return f.matchSymbol(r.Symbol) && f.matchMarket(string(r.Market)) && f.matchExchange(r.Exchange)
	})
}

func (s *OutlierStore) Count() int {
	return s.mem.len()
}
