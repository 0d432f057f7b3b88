package accounts

import (
	"testing"
	"time"
)

func testTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierBase:     {MaxRequestsPerMinute: 2, MaxTokensPerMinute: 100, MaxRequestsPerDay: 5, Priority: 1},
		TierStandard: {MaxRequestsPerMinute: 5, MaxTokensPerMinute: 500, MaxRequestsPerDay: 10, Priority: 2},
		TierPremium:  {MaxRequestsPerMinute: 10, MaxTokensPerMinute: 1000, MaxRequestsPerDay: 2, Priority: 3},
	}
}

func TestSelectPrefersHighestPriorityWithQuota(t *testing.T) {
	p := NewPool(testTiers())
	p.Add(Account{Email: "base@example.com", Tier: TierBase, Active: true})
	p.Add(Account{Email: "std@example.com", Tier: TierStandard, Active: true})
	p.Add(Account{Email: "prem@example.com", Tier: TierPremium, Active: true})

	// Exhaust the premium account's daily cap (2 requests).
	p.RecordUsage("prem@example.com", 10)
	p.RecordUsage("prem@example.com", 10)

	// With priority 3 exhausted, selection must always land on priority 2.
	for i := 0; i < 50; i++ {
		acc := p.Select()
		if acc == nil {
			t.Fatal("expected an account, got nil")
		}
		if acc.Email != "std@example.com" {
			t.Fatalf("iteration %d: expected std@example.com, got %s", i, acc.Email)
		}
	}
}

func TestSelectBalancesEqualPriority(t *testing.T) {
	p := NewPool(testTiers())
	p.Add(Account{Email: "a@example.com", Tier: TierStandard, Active: true})
	p.Add(Account{Email: "b@example.com", Tier: TierStandard, Active: true})

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		acc := p.Select()
		if acc == nil {
			t.Fatal("expected an account")
		}
		seen[acc.Email]++
	}
	if seen["a@example.com"] == 0 || seen["b@example.com"] == 0 {
		t.Fatalf("selection not balanced across equal-priority accounts: %v", seen)
	}
}

func TestSelectFallsBackWhenHigherTierMinuteExhausted(t *testing.T) {
	p := NewPool(testTiers())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.Add(Account{Email: "base@example.com", Tier: TierBase, Active: true})
	p.Add(Account{Email: "std@example.com", Tier: TierStandard, Active: true})

	// Burn the standard account's 5-per-minute budget without touching
	// its daily cap (10).
	for i := 0; i < 5; i++ {
		p.RecordUsage("std@example.com", 1)
	}

	// Selection must fall through to the lower tier, not report exhaustion.
	for i := 0; i < 20; i++ {
		acc := p.Select()
		if acc == nil {
			t.Fatal("expected fallback to base tier, got nil")
		}
		if acc.Email != "base@example.com" {
			t.Fatalf("iteration %d: expected base@example.com, got %s", i, acc.Email)
		}
	}

	// The standard account returns once its minute window rolls.
	p.now = func() time.Time { return base.Add(61 * time.Second) }
	if acc := p.Select(); acc == nil || acc.Email != "std@example.com" {
		t.Fatalf("expected std@example.com after window roll, got %v", acc)
	}
}

func TestSelectReturnsNilWhenExhausted(t *testing.T) {
	p := NewPool(testTiers())
	p.Add(Account{Email: "prem@example.com", Tier: TierPremium, Active: true})
	p.RecordUsage("prem@example.com", 1)
	p.RecordUsage("prem@example.com", 1)

	if acc := p.Select(); acc != nil {
		t.Fatalf("expected nil for exhausted pool, got %v", acc)
	}
}

func TestSelectSkipsInactive(t *testing.T) {
	p := NewPool(testTiers())
	p.Add(Account{Email: "prem@example.com", Tier: TierPremium, Active: true})
	p.Deactivate("prem@example.com")

	if acc := p.Select(); acc != nil {
		t.Fatalf("expected nil when only account is inactive, got %v", acc)
	}
}

func TestDailyWindowRollsAfter24h(t *testing.T) {
	p := NewPool(testTiers())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.Add(Account{Email: "prem@example.com", Tier: TierPremium, Active: true})
	p.RecordUsage("prem@example.com", 1)
	p.RecordUsage("prem@example.com", 1)
	if acc := p.Select(); acc != nil {
		t.Fatal("expected exhaustion before window roll")
	}

	p.now = func() time.Time { return base.Add(25 * time.Hour) }
	acc := p.Select()
	if acc == nil || acc.Email != "prem@example.com" {
		t.Fatalf("expected account after daily window roll, got %v", acc)
	}

	_, u, _ := p.Snapshot("prem@example.com")
	if u.RequestsToday != 0 {
		t.Fatalf("daily counter not reset: %d", u.RequestsToday)
	}
	if u.TotalRequests != 2 {
		t.Fatalf("total requests should survive window roll: %d", u.TotalRequests)
	}
}

func TestMinuteWindow(t *testing.T) {
	p := NewPool(testTiers())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.Add(Account{Email: "base@example.com", Tier: TierBase, Active: true})
	if !p.WithinMinuteBudget("base@example.com") {
		t.Fatal("fresh account should be within budget")
	}

	p.RecordUsage("base@example.com", 10)
	p.RecordUsage("base@example.com", 10)
	if p.WithinMinuteBudget("base@example.com") {
		t.Fatal("expected request-per-minute budget exceeded")
	}

	// A new minute window restores the budget.
	p.now = func() time.Time { return base.Add(61 * time.Second) }
	if !p.WithinMinuteBudget("base@example.com") {
		t.Fatal("expected budget restored after minute window roll")
	}

	// Token budget exceeded within one window.
	p.RecordUsage("base@example.com", 150)
	if p.WithinMinuteBudget("base@example.com") {
		t.Fatal("expected token-per-minute budget exceeded")
	}
}

func TestRestoreCounters(t *testing.T) {
	p := NewPool(testTiers())
	p.Add(Account{Email: "std@example.com", Tier: TierStandard, Active: true})
	p.Restore("std@example.com", Usage{RequestsToday: 10, DayWindowAt: time.Now(), MinuteWindowAt: time.Now()})

	if acc := p.Select(); acc != nil {
		t.Fatalf("restored counters should exhaust the account, got %v", acc)
	}
}
