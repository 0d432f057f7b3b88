// Package postgres provides a PostgreSQL implementation of storage.Ledger.
// It uses pgx/v5 for connection pooling and a single upsert per recorded use.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pfeil-dev/pfeil/pkg/storage"
)

// Ledger is a PostgreSQL-backed usage ledger.
type Ledger struct {
	pool *pgxpool.Pool
}

// Ensure Ledger implements storage.Ledger at compile time.
var _ storage.Ledger = (*Ledger)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS account_usage (
	email         TEXT NOT NULL,
	day           DATE NOT NULL,
	requests      INTEGER NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (email, day)
)`

// New creates a new PostgreSQL ledger with the given configuration and
// ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Ledger{pool: pool}, nil
}

// RecordUse adds one request and its token counts to the account's daily tally.
func (l *Ledger) RecordUse(ctx context.Context, email string, inputTokens, outputTokens int, at time.Time) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO account_usage (email, day, requests, input_tokens, output_tokens, updated_at)
		VALUES ($1, $2, 1, $3, $4, now())
		ON CONFLICT (email, day) DO UPDATE SET
			requests      = account_usage.requests + 1,
			input_tokens  = account_usage.input_tokens + EXCLUDED.input_tokens,
			output_tokens = account_usage.output_tokens + EXCLUDED.output_tokens,
			updated_at    = now()
	`, email, storage.DayOf(at), inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// Day returns the usage for the account on the day containing at.
func (l *Ledger) Day(ctx context.Context, email string, at time.Time) (storage.DayUsage, error) {
	day := storage.DayOf(at)

	u := storage.DayUsage{Email: email, Day: day}
	err := l.pool.QueryRow(ctx, `
		SELECT requests, input_tokens, output_tokens
		FROM account_usage
		WHERE email = $1 AND day = $2
	`, email, day).Scan(&u.Requests, &u.InputTokens, &u.OutputTokens)

	if errors.Is(err, pgx.ErrNoRows) {
		return storage.DayUsage{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DayUsage{}, fmt.Errorf("querying usage: %w", err)
	}
	return u, nil
}

// HealthCheck verifies the database connection.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}
