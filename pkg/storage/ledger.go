package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no usage has been recorded for an
// account on a given day.
var ErrNotFound = errors.New("usage record not found")

// DayUsage is the accumulated usage for one account on one calendar day (UTC).
type DayUsage struct {
	Email        string
	Day          time.Time // truncated to midnight UTC
	Requests     int
	InputTokens  int
	OutputTokens int
}

// Ledger records per-account usage. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// RecordUse adds one request and its token counts to the account's
	// tally for the day containing at.
	RecordUse(ctx context.Context, email string, inputTokens, outputTokens int, at time.Time) error

	// Day returns the usage for the account on the day containing at.
	// Returns ErrNotFound when nothing has been recorded.
	Day(ctx context.Context, email string, at time.Time) (DayUsage, error)

	// Close releases any resources held by the ledger.
	Close() error
}

// DayOf truncates a timestamp to midnight UTC, the ledger's day key.
func DayOf(at time.Time) time.Time {
	return at.UTC().Truncate(24 * time.Hour)
}
