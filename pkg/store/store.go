// Package store persists fetched candles in SQLite. It is a downstream
// consumer of the loader; the admission core itself keeps no state across
// restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/klinegate/klinegate/pkg/models"
)

// Store writes and queries candle history in a SQLite database.
type Store struct {
	db *sql.DB
}

// Timestamps are stored as Unix milliseconds so aggregates like MIN and MAX
// keep their integer affinity through the driver.
const createKlinesTable = `
CREATE TABLE IF NOT EXISTS klines (
	symbol TEXT NOT NULL,
	interval TEXT NOT NULL,
	open_time INTEGER NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL,
	close_time INTEGER NOT NULL,
	trades INTEGER NOT NULL DEFAULT 0,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (symbol, interval, open_time)
);
CREATE INDEX IF NOT EXISTS idx_klines_symbol_interval ON klines(symbol, interval, open_time);
`

// New opens the store and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open kline db: %w", err)
	}

	if _, err := db.Exec(createKlinesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kline db: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts a batch of candles for one symbol and interval. Re-fetching
// an overlapping range overwrites the old rows.
func (s *Store) Save(ctx context.Context, symbol, interval string, klines []models.Kline) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO klines (symbol, interval, open_time, open, high, low, close, volume, close_time, trades, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixMilli()
	for _, k := range klines {
		if _, err := stmt.ExecContext(ctx,
			symbol, interval, k.OpenTime.UnixMilli(), k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime.UnixMilli(), k.Trades, now,
		); err != nil {
			return fmt.Errorf("save kline: %w", err)
		}
	}

	return tx.Commit()
}

// Load returns up to limit most recent candles for a symbol and interval,
// ordered by open time ascending.
func (s *Store) Load(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT open_time, open, high, low, close, volume, close_time, trades
		 FROM (SELECT * FROM klines WHERE symbol = ? AND interval = ? ORDER BY open_time DESC LIMIT ?)
		 ORDER BY open_time ASC`,
		symbol, interval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load klines: %w", err)
	}
	defer rows.Close()

	var klines []models.Kline
	for rows.Next() {
		var k models.Kline
		var openMs, closeMs int64
		if err := rows.Scan(&openMs, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &closeMs, &k.Trades); err != nil {
			return nil, fmt.Errorf("scan kline: %w", err)
		}
		k.OpenTime = time.UnixMilli(openMs).UTC()
		k.CloseTime = time.UnixMilli(closeMs).UTC()
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

// SeriesSummary aggregates stored history per symbol and interval.
type SeriesSummary struct {
	Symbol   string
	Interval string
	Count    int64
	First    time.Time
	Last     time.Time
}

// Summary returns per-series row counts and time bounds, optionally
// filtered by symbol.
func (s *Store) Summary(ctx context.Context, symbol string) ([]SeriesSummary, error) {
	query := `SELECT symbol, interval, COUNT(*), MIN(open_time), MAX(open_time) FROM klines`
	var args []any
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` GROUP BY symbol, interval ORDER BY symbol, interval`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []SeriesSummary
	for rows.Next() {
		var sum SeriesSummary
		var firstMs, lastMs int64
		if err := rows.Scan(&sum.Symbol, &sum.Interval, &sum.Count, &firstMs, &lastMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.First = time.UnixMilli(firstMs).UTC()
		sum.Last = time.UnixMilli(lastMs).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// CleanupOlderThan deletes candles whose open time is older than the given
// age and returns the number of rows removed.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM klines WHERE open_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
