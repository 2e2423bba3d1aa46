package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/pkg/models"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS metering_dimensions (
	name            TEXT PRIMARY KEY,
	quantity        INTEGER NOT NULL DEFAULT 0,
	last_flushed_at INTEGER NOT NULL
)`

// SQLite keeps counters in a local database file.
type SQLite struct {
	db *sql.DB
}

var _ billing.DimensionStore = (*SQLite)(nil)

// NewSQLite opens (and creates if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "metering.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer at a time; also keeps increments strictly serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metering_dimensions: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) EnsureDimensions(ctx context.Context, names []string, purge bool, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if purge {
		if _, err := tx.ExecContext(ctx, `DELETE FROM metering_dimensions`); err != nil {
			return fmt.Errorf("purge dimensions: %w", err)
		}
	}
	for _, name := range names {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metering_dimensions (name, quantity, last_flushed_at)
			VALUES (?, 0, ?)
			ON CONFLICT (name) DO NOTHING
		`, name, at.Unix())
		if err != nil {
			return fmt.Errorf("create dimension %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListDimensions(ctx context.Context) ([]models.Dimension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, quantity, last_flushed_at
		FROM metering_dimensions
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query dimensions: %w", err)
	}
	defer rows.Close()

	var out []models.Dimension
	for rows.Next() {
		var d models.Dimension
		if err := rows.Scan(&d.Name, &d.Quantity, &d.LastFlushedAt); err != nil {
			return nil, fmt.Errorf("scan dimension: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Increment(ctx context.Context, name string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE metering_dimensions SET quantity = quantity + ? WHERE name = ?
	`, delta, name)
	if err != nil {
		return fmt.Errorf("increment %q: %w", name, err)
	}
	return requireRow(res, name)
}

func (s *SQLite) ResetAfterFlush(ctx context.Context, name string, flushed int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE metering_dimensions
		SET quantity = MAX(quantity - ?, 0), last_flushed_at = ?
		WHERE name = ?
	`, flushed, at.Unix(), name)
	if err != nil {
		return fmt.Errorf("reset %q: %w", name, err)
	}
	return requireRow(res, name)
}

func (s *SQLite) MaxLastFlushedAt(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(last_flushed_at), 0) FROM metering_dimensions
	`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max last_flushed_at: %w", err)
	}
	return max, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	return nil
}
