// Package accounts tracks upstream accounts, their tier quotas, and usage
// counters, and selects the best account for each proxied request.
//
// The pool holds shared mutable counters and guards all read-modify-write
// cycles with a single mutex. Selection never performs network I/O.
package accounts

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Tier classifies an account's capability level.
type Tier string

const (
	TierBase     Tier = "base"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// TierConfig holds the static, read-only quota settings for one tier.
// Priority is an integer ranking; higher wins during selection.
type TierConfig struct {
	MaxRequestsPerMinute int
	MaxTokensPerMinute   int
	MaxRequestsPerDay    int
	Priority             int
}

// DefaultTierConfigs returns the built-in tier table.
func DefaultTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierBase:     {MaxRequestsPerMinute: 10, MaxTokensPerMinute: 32_000, MaxRequestsPerDay: 250, Priority: 1},
		TierStandard: {MaxRequestsPerMinute: 30, MaxTokensPerMinute: 128_000, MaxRequestsPerDay: 1_000, Priority: 2},
		TierPremium:  {MaxRequestsPerMinute: 60, MaxTokensPerMinute: 512_000, MaxRequestsPerDay: 2_000, Priority: 3},
	}
}

// Account identifies one upstream account. Accounts are created by
// configuration or login, deactivated on revoke or removal, and never
// implicitly deleted.
type Account struct {
	Email  string
	Tier   Tier
	Active bool
}

// Usage holds the per-account counters. The per-minute fields use a fixed
// one-minute window that resets when the window elapses; the daily counter
// resets when more than 24h have passed since DayWindowAt.
type Usage struct {
	TotalRequests      int64
	RequestsThisMinute int
	TokensThisMinute   int
	RequestsToday      int
	MinuteWindowAt     time.Time
	DayWindowAt        time.Time
}

type entry struct {
	account Account
	usage   Usage
}

// Pool is the account pool and quota tracker.
type Pool struct {
	tiers map[Tier]TierConfig

	mu      sync.Mutex
	entries map[string]*entry

	// now is swappable for tests.
	now func() time.Time
}

// NewPool creates a pool with the given tier table. A nil table uses
// DefaultTierConfigs.
func NewPool(tiers map[Tier]TierConfig) *Pool {
	if tiers == nil {
		tiers = DefaultTierConfigs()
	}
	return &Pool{
		tiers:   tiers,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Add registers an account. An existing account with the same email is
// replaced but keeps its usage counters.
func (p *Pool) Add(acc Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[acc.Email]; ok {
		e.account = acc
		return
	}
	now := p.now()
	p.entries[acc.Email] = &entry{
		account: acc,
		usage:   Usage{MinuteWindowAt: now, DayWindowAt: now},
	}
}

// Deactivate marks an account inactive (revoked or removed). The entry and
// its counters are retained.
func (p *Pool) Deactivate(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[email]; ok {
		e.account.Active = false
	}
}

// Select picks the best account for a request: active accounts with
// remaining daily and minute budget, the highest-priority subset among
// them, then a uniformly random member of that subset so equally-privileged
// accounts share load. Filtering the minute windows here lets selection
// fall through to a lower tier when every higher-priority account is
// minute-exhausted. Returns nil when every account is exhausted; the caller
// must treat that as terminal for the request, not retry the pool.
func (p *Pool) Select() *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	best := -1
	var candidates []*entry
	for _, e := range p.entries {
		if !e.account.Active {
			continue
		}
		cfg, ok := p.tiers[e.account.Tier]
		if !ok {
			continue
		}
		rollWindows(&e.usage, now)
		if e.usage.RequestsToday >= cfg.MaxRequestsPerDay {
			continue
		}
		if !withinMinuteBudget(cfg, &e.usage) {
			continue
		}
		switch {
		case cfg.Priority > best:
			best = cfg.Priority
			candidates = candidates[:0]
			candidates = append(candidates, e)
		case cfg.Priority == best:
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	acc := candidates[rand.IntN(len(candidates))].account
	return &acc
}

// RecordUsage increments the counters for one completed request. The daily
// window rolls when 24h have elapsed; the minute window when 60s have. The
// per-minute fields are enforced via WithinMinuteBudget, not here.
func (p *Pool) RecordUsage(email string, tokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[email]
	if !ok {
		return
	}
	rollWindows(&e.usage, p.now())
	e.usage.TotalRequests++
	e.usage.RequestsThisMinute++
	e.usage.TokensThisMinute += tokens
	e.usage.RequestsToday++
}

// WithinMinuteBudget reports whether the account is inside its fixed
// one-minute request and token windows.
func (p *Pool) WithinMinuteBudget(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[email]
	if !ok {
		return false
	}
	cfg, ok := p.tiers[e.account.Tier]
	if !ok {
		return false
	}
	rollWindows(&e.usage, p.now())
	return withinMinuteBudget(cfg, &e.usage)
}

// withinMinuteBudget checks the rolled minute counters against the tier
// caps. Caller holds the pool mutex and has rolled the windows.
func withinMinuteBudget(cfg TierConfig, u *Usage) bool {
	if cfg.MaxRequestsPerMinute > 0 && u.RequestsThisMinute >= cfg.MaxRequestsPerMinute {
		return false
	}
	if cfg.MaxTokensPerMinute > 0 && u.TokensThisMinute >= cfg.MaxTokensPerMinute {
		return false
	}
	return true
}

// Snapshot returns a copy of the account and usage for the given email.
func (p *Pool) Snapshot(email string) (Account, Usage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[email]
	if !ok {
		return Account{}, Usage{}, false
	}
	return e.account, e.usage, true
}

// Restore overwrites the usage counters for an account, used when loading
// persisted counters from the usage ledger at startup.
func (p *Pool) Restore(email string, u Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[email]; ok {
		e.usage = u
	}
}

// List returns all registered accounts.
func (p *Pool) List() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.account)
	}
	return out
}

// rollWindows resets elapsed counters in place. Caller holds the pool mutex.
func rollWindows(u *Usage, now time.Time) {
	if now.Sub(u.MinuteWindowAt) >= time.Minute {
		u.RequestsThisMinute = 0
		u.TokensThisMinute = 0
		u.MinuteWindowAt = now
	}
	if now.Sub(u.DayWindowAt) >= 24*time.Hour {
		u.RequestsToday = 0
		u.DayWindowAt = now
	}
}
