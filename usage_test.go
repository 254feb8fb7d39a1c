package minutes_test

import (
	"context"
	"math"
	"testing"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/entry"
)

func TestBillableMinutes(t *testing.T) {
	tests := []struct {
		seconds int64
		want    int64
	}{
		{-10, 0},
		{0, 0},
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{3600, 60},
	}
	for _, tt := range tests {
		if got := minutes.BillableMinutes(tt.seconds); got != tt.want {
			t.Errorf("BillableMinutes(%d): got %d, want %d", tt.seconds, got, tt.want)
		}
	}
}

func TestDeductUsageIdempotent(t *testing.T) {
	tests := []struct {
		name      string
		cacheSize int
	}{
		{"with recent cache", 16},
		{"ledger only", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			eng := newEngine(t, nil, minutes.WithRecentSessionCache(tt.cacheSize))
			cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
			grant(t, eng, cust, 100)

			first, err := eng.DeductUsage(ctx, cust, "s1", 5)
			if err != nil {
				t.Fatalf("DeductUsage: %v", err)
			}
			second, err := eng.DeductUsage(ctx, cust, "s1", 5)
			if err != nil {
				t.Fatalf("repeated DeductUsage: %v", err)
			}

			if first.Replayed || !second.Replayed {
				t.Errorf("replayed flags: got %v/%v, want false/true", first.Replayed, second.Replayed)
			}
			if second.NewUsed != 5 || second.Remaining != 95 {
				t.Errorf("replayed result: got used=%d remaining=%d, want 5/95", second.NewUsed, second.Remaining)
			}
			if got := allocationOf(t, eng, cust).Used; got != 5 {
				t.Errorf("used: got %d, want 5", got)
			}

			usage, err := eng.History(ctx, cust, entry.ListOpts{Kinds: []entry.Kind{entry.KindUsageDeduction}})
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(usage) != 1 {
				t.Errorf("usage entries: got %d, want 1", len(usage))
			}

			other := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
			if _, err := eng.DeductUsage(ctx, other, "s1", 5); !minutes.IsValidation(err) {
				t.Errorf("session of another account: got %v, want ValidationError", err)
			}
		})
	}
}

func TestDeductUsageNeverBlocks(t *testing.T) {
	ctx := context.Background()
	ev := &events{}
	eng := newEngine(t, nil, minutes.WithPlugin(ev))
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
	grant(t, eng, cust, 10)

	res, err := eng.DeductUsage(ctx, cust, "long-call", 15)
	if err != nil {
		t.Fatalf("DeductUsage: %v", err)
	}
	if !res.ExceededLimit {
		t.Error("15 of 10 minutes should report the limit exceeded")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining: got %d, want 0", res.Remaining)
	}

	if _, err := eng.DeductUsage(ctx, cust, "another-call", 2); err != nil {
		t.Fatalf("DeductUsage past limit: %v", err)
	}
	if got := allocationOf(t, eng, cust).Used; got != 17 {
		t.Errorf("used: got %d, want 17", got)
	}
	if ev.exceeded != 1 {
		t.Errorf("OnLimitExceeded: got %d calls, want 1", ev.exceeded)
	}
}

func TestDeductUsageUnlimited(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)

	res, err := eng.DeductUsageSeconds(ctx, cust, "s-9", 125)
	if err != nil {
		t.Fatalf("DeductUsageSeconds: %v", err)
	}
	if res.Minutes != 3 {
		t.Errorf("billed minutes: got %d, want 3", res.Minutes)
	}
	if res.ExceededLimit {
		t.Error("unlimited account should never exceed")
	}
}

func TestDeductUsageValidation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)

	if _, err := eng.DeductUsage(ctx, cust, "  ", 1); !minutes.IsValidation(err) {
		t.Errorf("blank session: got %v, want ValidationError", err)
	}
	if _, err := eng.DeductUsage(ctx, cust, "s", -1); !minutes.IsValidation(err) {
		t.Errorf("negative minutes: got %v, want ValidationError", err)
	}
	if _, err := eng.DeductUsageSeconds(ctx, cust, "s", -1); !minutes.IsValidation(err) {
		t.Errorf("negative seconds: got %v, want ValidationError", err)
	}
}

func TestDeductUsageRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
	grant(t, eng, cust, 60)

	if _, err := eng.DeductUsage(ctx, cust, "s1", 40); err != nil {
		t.Fatalf("DeductUsage: %v", err)
	}
	if _, err := eng.DeductUsage(ctx, cust, "s2", math.MaxInt64); !minutes.IsValidation(err) {
		t.Fatalf("overflowing usage: got %v, want ValidationError", err)
	}
	if got := allocationOf(t, eng, cust).Used; got != 40 {
		t.Errorf("used: got %d, want 40", got)
	}
	// the rejected session was not recorded and can be retried
	res, err := eng.DeductUsage(ctx, cust, "s2", 30)
	if err != nil {
		t.Fatalf("DeductUsage after rejection: %v", err)
	}
	if res.Replayed || !res.ExceededLimit {
		t.Errorf("retried session: replayed %v, exceeded %v", res.Replayed, res.ExceededLimit)
	}
}
