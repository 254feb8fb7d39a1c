package minutes_test

import (
	"math"
	"testing"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/id"
)

func row(role account.Role, limit int64) *allocation.Allocation {
	a := allocation.New(account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: role})
	a.Limit = limit
	return a
}

func TestEvaluatePool(t *testing.T) {
	a300 := row(account.RoleCustomer, 300)
	b200 := row(account.RoleCustomer, 200)
	unl := row(account.RoleCustomer, 0)
	c50 := row(account.RoleCustomer, 50)

	tests := []struct {
		name      string
		admin     int64
		customers []*allocation.Allocation
		proposed  int64
		exclude   id.AccountID
		allowed   bool
		allocated int64
		headroom  int64
	}{
		{"unlimited pool allows anything", 0, nil, 1_000_000, id.Nil, true, 0, -1},
		{"unlimited pool allows unlimited customer", 0, nil, 0, id.Nil, true, 0, -1},
		{"unlimited customer under finite pool", 50, nil, 0, id.Nil, false, 0, 50},
		{"fits", 1000, []*allocation.Allocation{a300, b200}, 400, id.Nil, true, 500, 500},
		{"exactly fills", 1000, []*allocation.Allocation{a300, b200}, 500, id.Nil, true, 500, 500},
		{"overflows", 1000, []*allocation.Allocation{a300, b200}, 600, id.Nil, false, 500, 500},
		{"excluded customer replaced", 1000, []*allocation.Allocation{a300, b200}, 800, a300.AccountID, true, 200, 800},
		{"unlimited customers hold nothing", 100, []*allocation.Allocation{unl}, 100, id.Nil, true, 0, 100},
		{"negative proposal", 100, nil, -1, id.Nil, false, 0, 100},
		{"proposal near int64 max", 100, []*allocation.Allocation{c50}, math.MaxInt64, id.Nil, false, 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := row(account.RoleAdmin, tt.admin)
			rows := append([]*allocation.Allocation{admin}, tt.customers...)

			got := minutes.EvaluatePool(admin, rows, tt.proposed, tt.exclude)
			if got.Allowed != tt.allowed {
				t.Errorf("Allowed: got %v, want %v (reason %q)", got.Allowed, tt.allowed, got.Reason)
			}
			if got.CurrentAllocated != tt.allocated {
				t.Errorf("CurrentAllocated: got %d, want %d", got.CurrentAllocated, tt.allocated)
			}
			if got.Headroom != tt.headroom {
				t.Errorf("Headroom: got %d, want %d", got.Headroom, tt.headroom)
			}
			if !got.Allowed && got.Reason == "" {
				t.Error("rejection should carry a reason")
			}
		})
	}
}

func TestPoolCheckRejection(t *testing.T) {
	admin := row(account.RoleAdmin, 50)
	check := minutes.EvaluatePool(admin, nil, 80, id.Nil)

	err := check.Rejection(80)
	if !minutes.IsQuotaError(err) {
		t.Fatalf("Rejection: got %v, want QuotaExceededError", err)
	}
	if (minutes.PoolCheck{Allowed: true}).Rejection(1) != nil {
		t.Error("allowed check should not produce an error")
	}
}
