package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for the distribution outcome tables.
// Rows are only ever inserted; nothing here updates or deletes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS distribution_successes (
    id          BIGSERIAL PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    mint        TEXT NOT NULL,
    amount      NUMERIC NOT NULL,
    to_address  TEXT NOT NULL,
    signature   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS distribution_successes_to_address_idx
    ON distribution_successes (mint, to_address);

CREATE TABLE IF NOT EXISTS distribution_failures (
    id          BIGSERIAL PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    mint        TEXT NOT NULL,
    amount      NUMERIC NOT NULL,
    to_address  TEXT NOT NULL,
    stage       TEXT NOT NULL,
    error       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS distribution_failures_to_address_idx
    ON distribution_failures (mint, to_address);
`

// EnsureSchema creates the outcome tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outcome tables: %w", err)
	}
	return nil
}

// Success is one confirmed transfer.
type Success struct {
	RecordedAt time.Time
	Mint       string
	Amount     decimal.Decimal
	ToAddress  string
	Signature  string
}

// Failure is one transfer attempt that did not land.
type Failure struct {
	RecordedAt time.Time
	Mint       string
	Amount     decimal.Decimal
	ToAddress  string
	Stage      string
	Error      string
}

// InsertSuccess appends a success row.
func (s *Store) InsertSuccess(ctx context.Context, row Success) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO distribution_successes (recorded_at, mint, amount, to_address, signature)
		 VALUES ($1, $2, $3::numeric, $4, $5)`,
		row.RecordedAt, row.Mint, row.Amount.String(), row.ToAddress, row.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert success row: %w", err)
	}
	return nil
}

// InsertFailure appends a failure row.
func (s *Store) InsertFailure(ctx context.Context, row Failure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO distribution_failures (recorded_at, mint, amount, to_address, stage, error)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		row.RecordedAt, row.Mint, row.Amount.String(), row.ToAddress, row.Stage, row.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failure row: %w", err)
	}
	return nil
}

// ListFailures returns the failure rows for mint, oldest first.
func (s *Store) ListFailures(ctx context.Context, mint string) ([]Failure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT recorded_at, mint, amount::text, to_address, stage, error
		 FROM distribution_failures
		 WHERE mint = $1
		 ORDER BY id`,
		mint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}

	failures, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Failure, error) {
		var (
			f      Failure
			amount string
		)
		if err := row.Scan(&f.RecordedAt, &f.Mint, &amount, &f.ToAddress, &f.Stage, &f.Error); err != nil {
			return Failure{}, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return Failure{}, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		f.Amount = d
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read failure rows: %w", err)
	}
	return failures, nil
}

// CountSuccesses returns the number of success rows for mint.
func (s *Store) CountSuccesses(ctx context.Context, mint string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM distribution_successes WHERE mint = $1`, mint,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count successes: %w", err)
	}
	return n, nil
}
