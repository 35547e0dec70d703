// Package barstore persists loaded historical bars to a local SQLite
// database so mock replay and walk-forward runs don't re-parse CSV
// sources on every invocation. It uses a WAL-mode connection through the
// pure-Go modernc.org/sqlite driver with insert-or-replace upserts over
// a per-symbol OHLCV schema.
package barstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/aristath/apex-trader/internal/domain"
)

// Store is a SQLite-backed cache of historical bars, keyed by symbol and
// bar_id.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the bar store at path, in WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bar store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open bar store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping bar store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bar store: %w", err)
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol TEXT NOT NULL,
	bar_id INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume INTEGER NOT NULL,
	PRIMARY KEY (symbol, bar_id)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, timestamp_ms);
`

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBars inserts or replaces a batch of bars in a single transaction.
func (s *Store) UpsertBars(bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert bars: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (symbol, bar_id, timestamp_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Symbol, b.BarID, b.TimestampMS, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("upsert bar %s#%d: %w", b.Symbol, b.BarID, err)
		}
	}
	return tx.Commit()
}

// LoadRange returns every bar for symbol with bar_id in [fromBarID,
// toBarID], ordered ascending by bar_id.
func (s *Store) LoadRange(symbol string, fromBarID, toBarID uint64) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT symbol, bar_id, timestamp_ms, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND bar_id BETWEEN ? AND ?
		ORDER BY bar_id ASC
	`, symbol, fromBarID, toBarID)
	if err != nil {
		return nil, fmt.Errorf("query bar range: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Symbol, &b.BarID, &b.TimestampMS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LoadAll returns every stored bar for symbol, ordered ascending by
// bar_id.
func (s *Store) LoadAll(symbol string) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT symbol, bar_id, timestamp_ms, open, high, low, close, volume
		FROM bars
		WHERE symbol = ?
		ORDER BY bar_id ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query all bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Symbol, &b.BarID, &b.TimestampMS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Count returns the number of bars stored for symbol.
func (s *Store) Count(symbol string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM bars WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return count, nil
}
