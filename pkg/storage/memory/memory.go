// Package memory provides an in-memory usage ledger for testing and
// lightweight deployments. Records are lost when the process restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pfeil-dev/pfeil/pkg/storage"
)

type dayKey struct {
	email string
	day   time.Time
}

// Ledger is an in-memory usage ledger.
type Ledger struct {
	mu   sync.RWMutex
	days map[dayKey]storage.DayUsage
}

// Ensure Ledger implements storage.Ledger at compile time.
var _ storage.Ledger = (*Ledger)(nil)

// New creates an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{days: make(map[dayKey]storage.DayUsage)}
}

// RecordUse adds one request and its token counts to the account's daily tally.
func (l *Ledger) RecordUse(_ context.Context, email string, inputTokens, outputTokens int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dayKey{email: email, day: storage.DayOf(at)}
	u := l.days[key]
	u.Email = email
	u.Day = key.day
	u.Requests++
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	l.days[key] = u
	return nil
}

// Day returns the usage for the account on the day containing at.
func (l *Ledger) Day(_ context.Context, email string, at time.Time) (storage.DayUsage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.days[dayKey{email: email, day: storage.DayOf(at)}]
	if !ok {
		return storage.DayUsage{}, storage.ErrNotFound
	}
	return u, nil
}

// Close is a no-op for the in-memory ledger.
func (l *Ledger) Close() error { return nil }
