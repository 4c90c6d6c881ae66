package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

const largeMoveInsert = `INSERT INTO large_moves (ts, symbol, side, price, prev_size, next_size, delta_size, notional_delta, bps_from_mid)
	VALUES (:ts, :symbol, :side, :price, :prev_size, :next_size, :delta_size, :notional_delta, :bps_from_mid)`

// LargeMoveStore holds qualifying resting-size changes on the merged perp
// book.
type LargeMoveStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.LevelMove]
}

func newLargeMoveStore(db *sqlx.DB, log zerolog.Logger) (*LargeMoveStore, error) {
	s := &LargeMoveStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionShort, func(m types.LevelMove) int64 { return m.Ts }),
	}

	var rows []types.LevelMove
	err := db.Select(&rows, `SELECT ts, symbol, side, price, prev_size, next_size, delta_size, notional_delta, bps_from_mid
		FROM large_moves WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionShort))
	if err != nil {
		return nil, fmt.Errorf("select large_moves: %w", err)
	}
	s.mem.add(rows...)
	return s, nil
}

// AppendAll writes one tick's moves in a single transaction.
func (s *LargeMoveStore) AppendAll(moves []types.LevelMove) error {
	if len(moves) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin large_moves tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range moves {
		if _, err := tx.NamedExec(largeMoveInsert, m); err != nil {
			return fmt.Errorf("insert large move: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit large_moves: %w", err)
	}

	s.mem.add(moves...)
	return pruneDB(s.db, "large_moves", "ts", cutoff(retentionShort))
}

func (s *LargeMoveStore) History(limit int, f Filter) []types.LevelMove {
	if err := pruneDB(s.db, "large_moves", "ts", cutoff(retentionShort)); err != nil {
		s.log.Warn().Err(err).Msg("large_moves prune failed")
	}
	return s.mem.tail(limit, func(m types.LevelMove) bool {
		return f.matchSymbol(m.Symbol)
	})
}

func (s *LargeMoveStore) Count() int {
	return s.mem.len()
}
