package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/store"
)

func seed(t *testing.T, s *Store, tenant string, role account.Role, limit int64) *allocation.Allocation {
	t.Helper()
	a := allocation.New(account.Account{ID: id.NewAccountID(), Tenant: tenant, Role: role})
	a.Limit = limit
	if err := s.UpsertAllocation(context.Background(), a, 0); err != nil {
		t.Fatalf("UpsertAllocation: %v", err)
	}
	return a
}

func TestUpsertAllocationVersions(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seed(t, s, "acme", account.RoleCustomer, 100)

	if a.Version != 1 {
		t.Errorf("version after create: got %d, want 1", a.Version)
	}
	if err := s.UpsertAllocation(ctx, a.Clone(), 0); !errors.Is(err, minutes.ErrAlreadyExists) {
		t.Errorf("second create: got %v, want ErrAlreadyExists", err)
	}

	next := a.Clone()
	next.Used = 40
	if err := s.UpsertAllocation(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("version after update: got %d, want 2", next.Version)
	}

	stale := a.Clone()
	stale.Used = 99
	if err := s.UpsertAllocation(ctx, stale, 1); !errors.Is(err, minutes.ErrConflict) {
		t.Errorf("stale update: got %v, want ErrConflict", err)
	}

	got, err := s.GetAllocation(ctx, a.AccountID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if got.Used != 40 {
		t.Errorf("used: got %d, want 40", got.Used)
	}

	// returned rows are copies
	got.Used = 1000
	again, _ := s.GetAllocation(ctx, a.AccountID)
	if again.Used != 40 {
		t.Errorf("mutating a read leaked into the store: used %d", again.Used)
	}
}

func TestGetTenantAdminAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seed(t, s, "acme", account.RoleAdmin, 1000)
	c1 := seed(t, s, "acme", account.RoleCustomer, 300)
	seed(t, s, "acme", account.RoleCustomer, 200)
	seed(t, s, "other", account.RoleCustomer, 50)

	got, err := s.GetTenantAdmin(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenantAdmin: %v", err)
	}
	if got.AccountID != admin.AccountID {
		t.Errorf("admin: got %s, want %s", got.AccountID, admin.AccountID)
	}
	if _, err := s.GetTenantAdmin(ctx, "other"); !errors.Is(err, minutes.ErrAdminNotFound) {
		t.Errorf("missing admin: got %v, want ErrAdminNotFound", err)
	}

	tests := []struct {
		name    string
		exclude id.AccountID
		want    int
	}{
		{"all", id.Nil, 3},
		{"exclude one", c1.AccountID, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.ListAllocations(ctx, "acme", tt.exclude)
			if err != nil {
				t.Fatalf("ListAllocations: %v", err)
			}
			if len(rows) != tt.want {
				t.Errorf("rows: got %d, want %d", len(rows), tt.want)
			}
		})
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(b *store.Batch, s *Store)
		wantErr error
	}{
		{
			name: "stale version",
			mutate: func(b *store.Batch, _ *Store) {
				b.Allocations[1].ExpectedVersion = 7
			},
			wantErr: minutes.ErrConflict,
		},
		{
			name: "key already stored",
			mutate: func(b *store.Batch, s *Store) {
				_ = s.AppendEntry(ctx, &entry.Entry{ID: id.NewEntryID(), IdempotencyKey: "k1"})
			},
			wantErr: minutes.ErrDuplicateEntry,
		},
		{
			name: "key repeated in batch",
			mutate: func(b *store.Batch, _ *Store) {
				b.Entries[1].IdempotencyKey = "k1"
			},
			wantErr: minutes.ErrDuplicateEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			admin := seed(t, s, "acme", account.RoleAdmin, 1000)
			cust := seed(t, s, "acme", account.RoleCustomer, 100)
			corr := id.NewCorrelationID()

			adminNext := admin.Clone()
			adminNext.Used = 50
			custNext := cust.Clone()
			custNext.Limit = 150
			b := &store.Batch{
				Allocations: []store.AllocationWrite{
					{Allocation: custNext, ExpectedVersion: 1},
					{Allocation: adminNext, ExpectedVersion: 1},
				},
				Entries: []*entry.Entry{
					{ID: id.NewEntryID(), AccountID: admin.AccountID, Kind: entry.KindTransferDebit, MinutesDelta: -50, CorrelationID: corr, IdempotencyKey: "k1"},
					{ID: id.NewEntryID(), AccountID: cust.AccountID, Kind: entry.KindTransferCredit, MinutesDelta: 50, CorrelationID: corr, IdempotencyKey: "k2"},
				},
			}
			tt.mutate(b, s)

			if err := s.Commit(ctx, b); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Commit: got %v, want %v", err, tt.wantErr)
			}

			a, _ := s.GetAllocation(ctx, admin.AccountID)
			c, _ := s.GetAllocation(ctx, cust.AccountID)
			if a.Used != 0 || a.Version != 1 {
				t.Errorf("admin changed: used %d version %d", a.Used, a.Version)
			}
			if c.Limit != 100 || c.Version != 1 {
				t.Errorf("customer changed: limit %d version %d", c.Limit, c.Version)
			}
			pair, _ := s.ListEntriesByCorrelation(ctx, corr)
			if len(pair) != 0 {
				t.Errorf("entries written: got %d, want 0", len(pair))
			}
		})
	}
}

func TestCommitApplies(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seed(t, s, "acme", account.RoleAdmin, 1000)
	next := admin.Clone()
	next.Used = 10
	corr := id.NewCorrelationID()

	err := s.Commit(ctx, &store.Batch{
		Allocations: []store.AllocationWrite{{Allocation: next, ExpectedVersion: 1}},
		Entries:     []*entry.Entry{{ID: id.NewEntryID(), AccountID: admin.AccountID, CorrelationID: corr, IdempotencyKey: "once"}},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("caller version: got %d, want 2", next.Version)
	}
	e, err := s.FindEntryByIdempotencyKey(ctx, "once")
	if err != nil {
		t.Fatalf("FindEntryByIdempotencyKey: %v", err)
	}
	if e.CorrelationID != corr {
		t.Errorf("correlation: got %s, want %s", e.CorrelationID, corr)
	}
	if _, err := s.FindEntryByIdempotencyKey(ctx, ""); !errors.Is(err, minutes.ErrEntryNotFound) {
		t.Errorf("empty key: got %v, want ErrEntryNotFound", err)
	}
}

func TestListEntriesPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	acct := id.NewAccountID()
	for i := 1; i <= 5; i++ {
		kind := entry.KindUsageDeduction
		if i%2 == 0 {
			kind = entry.KindPurchase
		}
		_ = s.AppendEntry(ctx, &entry.Entry{ID: id.NewEntryID(), AccountID: acct, Kind: kind, MinutesDelta: int64(i)})
	}
	_ = s.AppendEntry(ctx, &entry.Entry{ID: id.NewEntryID(), AccountID: id.NewAccountID(), MinutesDelta: 99})

	tests := []struct {
		name string
		opts entry.ListOpts
		want []int64
	}{
		{"newest first", entry.ListOpts{}, []int64{5, 4, 3, 2, 1}},
		{"limit", entry.ListOpts{Limit: 2}, []int64{5, 4}},
		{"offset", entry.ListOpts{Limit: 2, Offset: 2}, []int64{3, 2}},
		{"kind filter", entry.ListOpts{Kinds: []entry.Kind{entry.KindPurchase}}, []int64{4, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListEntries(ctx, acct, tt.opts)
			if err != nil {
				t.Fatalf("ListEntries: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("count: got %d, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.MinutesDelta != tt.want[i] {
					t.Errorf("entry %d: got %d, want %d", i, e.MinutesDelta, tt.want[i])
				}
			}
		})
	}
}

func TestGetPlanSkipsInactive(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.SavePlan(ctx, &plan.Plan{Key: "starter", Tenant: "acme", Minutes: 75, Active: true})
	_ = s.SavePlan(ctx, &plan.Plan{Key: "legacy", Tenant: "acme", Minutes: 10})

	if p, err := s.GetPlan(ctx, "acme", "starter"); err != nil || p.Minutes != 75 {
		t.Errorf("starter: got %v, %v", p, err)
	}
	if _, err := s.GetPlan(ctx, "acme", "legacy"); !errors.Is(err, minutes.ErrPlanNotFound) {
		t.Errorf("inactive plan: got %v, want ErrPlanNotFound", err)
	}
	plans, _ := s.ListPlans(ctx, "acme")
	if len(plans) != 2 || plans[0].Key != "legacy" {
		t.Errorf("ListPlans: got %d plans", len(plans))
	}
}
