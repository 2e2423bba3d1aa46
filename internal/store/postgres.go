package store

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/pkg/database"
	"github.com/crosslogic/metering-agent/pkg/models"
	"github.com/jackc/pgx/v5"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS metering_dimensions (
	name            TEXT PRIMARY KEY,
	quantity        BIGINT NOT NULL DEFAULT 0,
	last_flushed_at BIGINT NOT NULL
)`

// Postgres keeps counters in the metering_dimensions table.
type Postgres struct {
	db *database.Database
}

var _ billing.DimensionStore = (*Postgres)(nil)

// NewPostgres creates the table if needed. The store owns db and closes it.
func NewPostgres(ctx context.Context, db *database.Database) (*Postgres, error) {
	if _, err := db.Pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create metering_dimensions: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) EnsureDimensions(ctx context.Context, names []string, purge bool, at time.Time) error {
	return pgx.BeginFunc(ctx, p.db.Pool, func(tx pgx.Tx) error {
		if purge {
			if _, err := tx.Exec(ctx, `DELETE FROM metering_dimensions`); err != nil {
				return fmt.Errorf("purge dimensions: %w", err)
			}
		}
		for _, name := range names {
			_, err := tx.Exec(ctx, `
				INSERT INTO metering_dimensions (name, quantity, last_flushed_at)
				VALUES ($1, 0, $2)
				ON CONFLICT (name) DO NOTHING
			`, name, at.Unix())
			if err != nil {
				return fmt.Errorf("create dimension %q: %w", name, err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListDimensions(ctx context.Context) ([]models.Dimension, error) {
	rows, err := p.db.Pool.Query(ctx, `
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

func (p *Postgres) Increment(ctx context.Context, name string, delta int64) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE metering_dimensions SET quantity = quantity + $2 WHERE name = $1
	`, name, delta)
	if err != nil {
		return fmt.Errorf("increment %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	return nil
}

func (p *Postgres) ResetAfterFlush(ctx context.Context, name string, flushed int64, at time.Time) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE metering_dimensions
		SET quantity = GREATEST(quantity - $2, 0), last_flushed_at = $3
		WHERE name = $1
	`, name, flushed, at.Unix())
	if err != nil {
		return fmt.Errorf("reset %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	return nil
}

func (p *Postgres) MaxLastFlushedAt(ctx context.Context) (int64, error) {
	var max int64
	err := p.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_flushed_at), 0) FROM metering_dimensions
	`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max last_flushed_at: %w", err)
	}
	return max, nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
