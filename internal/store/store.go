// Package store persists monitor output to a single embedded SQLite file.
//
// Every table follows the same pattern: appends write the DB row and an
// in-memory tail, reads serve from the tail only, and both paths prune rows
// older than the table's retention from memory and DB. On startup each store
// reloads the rows still within retention. The spans table has grown columns
// over time, so its schema is patched additively on open.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const (
	dbFile = "depthwatch.db"

	// retentionShort covers the high-volume derived tables.
	retentionShort = 24 * time.Hour
	// retentionLong covers the tables the span analytics read back.
	retentionLong = 90 * 24 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	ts     INTEGER NOT NULL,
	symbol TEXT    NOT NULL,
	data   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_ts        ON metrics(ts);
CREATE INDEX IF NOT EXISTS idx_metrics_symbol_ts ON metrics(symbol, ts);

CREATE TABLE IF NOT EXISTS trades (
	ts       INTEGER NOT NULL,
	symbol   TEXT    NOT NULL,
	market   TEXT    NOT NULL,
	exchange TEXT    NOT NULL,
	price    REAL    NOT NULL,
	qty      REAL    NOT NULL,
	side     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts        ON trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts);

CREATE TABLE IF NOT EXISTS liquidations (
	ts       INTEGER NOT NULL,
	symbol   TEXT    NOT NULL,
	market   TEXT    NOT NULL,
	exchange TEXT    NOT NULL,
	side     TEXT    NOT NULL,
	price    REAL    NOT NULL,
	qty      REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_liquidations_ts        ON liquidations(ts);
CREATE INDEX IF NOT EXISTS idx_liquidations_symbol_ts ON liquidations(symbol, ts);

CREATE TABLE IF NOT EXISTS oi_funding (
	ts              INTEGER NOT NULL,
	symbol          TEXT    NOT NULL,
	market          TEXT    NOT NULL,
	exchange        TEXT    NOT NULL,
	open_interest   REAL    NOT NULL,
	funding_rate    REAL    NOT NULL,
	mark_price      REAL    NOT NULL,
	next_funding_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oi_funding_ts        ON oi_funding(ts);
CREATE INDEX IF NOT EXISTS idx_oi_funding_symbol_ts ON oi_funding(symbol, ts);

CREATE TABLE IF NOT EXISTS outliers (
	ts           INTEGER NOT NULL,
	symbol       TEXT    NOT NULL,
	market       TEXT    NOT NULL,
	exchange     TEXT    NOT NULL,
	side         TEXT    NOT NULL,
	price        REAL    NOT NULL,
	size         REAL    NOT NULL,
	z_score      REAL    NOT NULL,
	bps_from_mid REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outliers_ts   ON outliers(ts);
CREATE INDEX IF NOT EXISTS idx_outliers_full ON outliers(symbol, market, exchange, ts);

CREATE TABLE IF NOT EXISTS outlier_spans (
	start_ts    INTEGER NOT NULL,
	end_ts      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	symbol      TEXT    NOT NULL,
	market      TEXT    NOT NULL,
	exchange    TEXT    NOT NULL,
	side        TEXT    NOT NULL,
	price       REAL    NOT NULL,
	max_z       REAL    NOT NULL,
	avg_z       REAL    NOT NULL,
	count       INTEGER NOT NULL,
	start_size  REAL    NOT NULL,
	end_size    REAL    NOT NULL,
	filled_pct  REAL    NOT NULL,
	start_bps   REAL    NOT NULL,
	end_bps     REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_end_ts ON outlier_spans(end_ts);
CREATE INDEX IF NOT EXISTS idx_spans_full   ON outlier_spans(symbol, market, exchange, end_ts);

CREATE TABLE IF NOT EXISTS large_moves (
	ts             INTEGER NOT NULL,
	symbol         TEXT    NOT NULL,
	side           TEXT    NOT NULL,
	price          REAL    NOT NULL,
	prev_size      REAL    NOT NULL,
	next_size      REAL    NOT NULL,
	delta_size     REAL    NOT NULL,
	notional_delta REAL    NOT NULL,
	bps_from_mid   REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_large_moves_ts        ON large_moves(ts);
CREATE INDEX IF NOT EXISTS idx_large_moves_symbol_ts ON large_moves(symbol, ts);
`

// spanColumns are the enrichment columns grafted onto outlier_spans after
// the base schema shipped. Each is added on open if missing so old database
// files keep working.
var spanColumns = []struct{ name, decl string }{
	{"start_book", "TEXT NOT NULL DEFAULT ''"},
	{"end_book", "TEXT NOT NULL DEFAULT ''"},
	{"start_best_bid", "REAL NOT NULL DEFAULT 0"},
	{"start_best_ask", "REAL NOT NULL DEFAULT 0"},
	{"end_best_bid", "REAL NOT NULL DEFAULT 0"},
	{"end_best_ask", "REAL NOT NULL DEFAULT 0"},
	{"start_spread_bps", "REAL NOT NULL DEFAULT 0"},
	{"end_spread_bps", "REAL NOT NULL DEFAULT 0"},
	{"start_imbalance", "REAL NOT NULL DEFAULT 0"},
	{"end_imbalance", "REAL NOT NULL DEFAULT 0"},
	{"start_bid_depth", "REAL NOT NULL DEFAULT 0"},
	{"start_ask_depth", "REAL NOT NULL DEFAULT 0"},
	{"end_bid_depth", "REAL NOT NULL DEFAULT 0"},
	{"end_ask_depth", "REAL NOT NULL DEFAULT 0"},
	{"start_microprice", "REAL NOT NULL DEFAULT 0"},
	{"end_microprice", "REAL NOT NULL DEFAULT 0"},
	{"start_level_rank", "INTEGER NOT NULL DEFAULT 0"},
	{"end_level_rank", "INTEGER NOT NULL DEFAULT 0"},
	{"start_vol_1m", "REAL NOT NULL DEFAULT 0"},
	{"start_vol_5m", "REAL NOT NULL DEFAULT 0"},
	{"end_vol_1m", "REAL NOT NULL DEFAULT 0"},
	{"end_vol_5m", "REAL NOT NULL DEFAULT 0"},
	{"size_delta", "REAL NOT NULL DEFAULT 0"},
	{"size_delta_pct", "REAL NOT NULL DEFAULT 0"},
	{"trade_buy_qty", "REAL NOT NULL DEFAULT 0"},
	{"trade_sell_qty", "REAL NOT NULL DEFAULT 0"},
	{"trade_count", "INTEGER NOT NULL DEFAULT 0"},
}

// Set bundles every store over the shared database handle.
type Set struct {
	Metrics      *MetricsStore
	Trades       *TradeStore
	Liquidations *LiquidationStore
	OiFunding    *OiFundingStore
	Outliers     *OutlierStore
	Spans        *SpanStore
	LargeMoves   *LargeMoveStore

	db *sqlx.DB
}

// Open creates or opens the database under dir, applies the schema and span
// migrations, and loads each store's retained rows into memory.
func Open(dir string, log zerolog.Logger) (*Set, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + filepath.Join(dir, dbFile) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes writes anyway; a single connection avoids
	// SQLITE_BUSY between the feed and tick paths.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ensureSpanColumns(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Set{db: db}
	load := []struct {
		name string
		fn   func() error
	}{
		{"metrics", func() (err error) { s.Metrics, err = newMetricsStore(db, log); return }},
		{"trades", func() (err error) { s.Trades, err = newTradeStore(db, log); return }},
		{"liquidations", func() (err error) { s.Liquidations, err = newLiquidationStore(db, log); return }},
		{"oi_funding", func() (err error) { s.OiFunding, err = newOiFundingStore(db, log); return }},
		{"outliers", func() (err error) { s.Outliers, err = newOutlierStore(db, log); return }},
		{"outlier_spans", func() (err error) { s.Spans, err = newSpanStore(db, log); return }},
		{"large_moves", func() (err error) { s.LargeMoves, err = newLargeMoveStore(db, log); return }},
	}
	for _, l := range load {
		if err := l.fn(); err != nil {
			db.Close()
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
	}
	return s, nil
}

func (s *Set) Close() error {
	return s.db.Close()
}

// ensureSpanColumns adds any enrichment column missing from outlier_spans.
func ensureSpanColumns(db *sqlx.DB) error {
	var cols []struct {
		Cid     int     `db:"cid"`
		Name    string  `db:"name"`
		Type    string  `db:"type"`
		NotNull int     `db:"notnull"`
		Default *string `db:"dflt_value"`
		Pk      int     `db:"pk"`
	}
	if err := db.Select(&cols, `PRAGMA table_info(outlier_spans)`); err != nil {
		return fmt.Errorf("inspect outlier_spans: %w", err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c.Name] = true
	}
	for _, c := range spanColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec("ALTER TABLE outlier_spans ADD COLUMN " + c.name + " " + c.decl); err != nil {
			return fmt.Errorf("add outlier_spans.%s: %w", c.name, err)
		}
	}
	return nil
}

// Filter narrows History reads. Zero-valued fields match everything; symbol
// and exchange compare case-insensitively.
type Filter struct {
	Symbol   string
	Market   string
	Exchange string
}

func (f Filter) matchSymbol(s string) bool {
	return f.Symbol == "" || strings.EqualFold(f.Symbol, s)
}

func (f Filter) matchMarket(m string) bool {
	return f.Market == "" || f.Market == m
}

func (f Filter) matchExchange(e string) bool {
	return f.Exchange == "" || strings.EqualFold(f.Exchange, e)
}

func cutoff(retention time.Duration) int64 {
	return time.Now().Add(-retention).UnixMilli()
}

// pruneDB deletes rows older than the cutoff. Called opportunistically from
// both the write and read paths; read-path failures are logged, not fatal.
func pruneDB(db *sqlx.DB, table, tsCol string, cut int64) error {
	if _, err := db.Exec("DELETE FROM "+table+" WHERE "+tsCol+" < ?", cut); err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}
