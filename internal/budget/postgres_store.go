package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS budget_periods (
			month_key      TEXT PRIMARY KEY,
			total_used_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate budget_periods: %w", err)
	}
	return nil
}

// SavePeriod upserts a month's total. Mirrors can land out of order, so the
// stored value only ever grows.
func (s *PostgresStore) SavePeriod(ctx context.Context, monthKey string, totalUSD float64) error {
	query := `
		INSERT INTO budget_periods (month_key, total_used_usd, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (month_key) DO UPDATE
		SET total_used_usd = GREATEST(budget_periods.total_used_usd, EXCLUDED.total_used_usd),
		    updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, monthKey, totalUSD); err != nil {
		return fmt.Errorf("failed to save budget period: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadPeriod(ctx context.Context, monthKey string) (float64, error) {
	query := `SELECT total_used_usd FROM budget_periods WHERE month_key = $1`

	var total float64
	err := s.db.QueryRow(ctx, query, monthKey).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load budget period: %w", err)
	}
	return total, nil
}
