package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"depthwatch/pkg/types"
)

// MetricsStore holds per-tick metrics points. The nested point is stored as
// a JSON blob next to its (ts, symbol) key, so schema changes in the point
// shape never need a table migration.
type MetricsStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	mem *memlog[types.MetricsPoint]
}

type metricsRow struct {
	Ts     int64  `db:"ts"`
	Symbol string `db:"symbol"`
	Data   string `db:"data"`
}

func newMetricsStore(db *sqlx.DB, log zerolog.Logger) (*MetricsStore, error) {
	s := &MetricsStore{
		db:  db,
		log: log,
		mem: newMemlog(retentionShort, func(p types.MetricsPoint) int64 { return p.Ts }),
	}

	var rows []metricsRow
	err := db.Select(&rows, `SELECT ts, symbol, data FROM metrics WHERE ts >= ? ORDER BY ts ASC`, cutoff(retentionShort))
	if err != nil {
		return nil, fmt.Errorf("select metrics: %w", err)
	}
	for _, r := range rows {
		var p types.MetricsPoint
		if err := json.Unmarshal([]byte(r.Data), &p); err != nil {
			log.Warn().Int64("ts", r.Ts).Str("symbol", r.Symbol).Err(err).Msg("skipping unreadable metrics row")
			continue
		}
		s.mem.add(p)
	}
	return s, nil
}

func (s *MetricsStore) Append(p types.MetricsPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal metrics point: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO metrics (ts, symbol, data) VALUES (?, ?, ?)`, p.Ts, p.Symbol, string(data)); err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	s.mem.add(p)
	return pruneDB(s.db, "metrics", "ts", cutoff(retentionShort))
}

func (s *MetricsStore) History(limit int, f Filter) []types.MetricsPoint {
	if err := pruneDB(s.db, "metrics", "ts", cutoff(retentionShort)); err != nil {
		s.log.Warn().Err(err).Msg("metrics prune failed")
	}
	return s.mem.tail(limit, func(p types.MetricsPoint) bool {
		return f.matchSymbol(p.Symbol)
	})
}

// Latest returns the newest point for a symbol, used to seed new websocket
// clients.
func (s *MetricsStore) Latest(symbol string) (types.MetricsPoint, bool) {
	return s.mem.last(func(p types.MetricsPoint) bool {
		return strings.EqualFold(symbol, p.Symbol)
	})
}

func (s *MetricsStore) Count() int {
	return s.mem.len()
}
