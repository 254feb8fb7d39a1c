package allocation

import (
	"testing"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/id"
)

func TestAllocationDerived(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		used      int64
		remaining int64
		exceeded  bool
		percent   int64
	}{
		{"unlimited", 0, 40, -1, false, 0},
		{"fresh", 100, 0, 100, false, 0},
		{"partial", 300, 100, 200, false, 33},
		{"exhausted", 50, 50, 0, false, 100},
		{"over limit", 50, 75, 0, true, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Allocation{Limit: tt.limit, Used: tt.used}
			if got := a.Remaining(); got != tt.remaining {
				t.Errorf("Remaining: got %d, want %d", got, tt.remaining)
			}
			if got := a.Exceeded(); got != tt.exceeded {
				t.Errorf("Exceeded: got %v, want %v", got, tt.exceeded)
			}
			if got := a.PercentUsed(); got != tt.percent {
				t.Errorf("PercentUsed: got %d, want %d", got, tt.percent)
			}
		})
	}
}

func TestNew(t *testing.T) {
	acct := account.Account{ID: id.NewAccountID(), Role: account.RoleCustomer}
	a := New(acct)
	if !a.IsUnlimited() || a.Used != 0 || a.Version != 0 {
		t.Errorf("new allocation: got %+v", a)
	}
	if a.Tenant != account.RootTenant {
		t.Errorf("Tenant: got %q, want %q", a.Tenant, account.RootTenant)
	}
	if a.Account() != (account.Account{ID: acct.ID, Tenant: account.RootTenant, Role: account.RoleCustomer}) {
		t.Errorf("Account: got %+v", a.Account())
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(&Allocation{Limit: 200, Used: 50, PlanKey: "starter"})
	if s.Total != 200 || s.Remaining != 150 || s.PercentUsed != 25 || s.Unlimited {
		t.Errorf("Summarize: got %+v", s)
	}
}
