package minutes_test

import (
	"context"
	"testing"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
)

func TestChangePlanResetsUsage(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
	grant(t, eng, cust, 100)
	if _, err := eng.DeductUsage(ctx, cust, "s-1", 30); err != nil {
		t.Fatalf("DeductUsage: %v", err)
	}

	res, err := eng.ChangePlan(ctx, cust, " Pro ", 500)
	if err != nil {
		t.Fatalf("ChangePlan: %v", err)
	}
	if res.PreviousLimit != 100 || res.PreviousUsed != 30 {
		t.Errorf("previous: got limit=%d used=%d, want 100/30", res.PreviousLimit, res.PreviousUsed)
	}

	a := allocationOf(t, eng, cust)
	if a.Limit != 500 || a.Used != 0 || a.PlanKey != "pro" {
		t.Errorf("allocation: got limit=%d used=%d plan=%q, want 500/0/pro", a.Limit, a.Used, a.PlanKey)
	}
	if res.Entry.Kind != entry.KindManualGrant {
		t.Errorf("entry kind: got %s, want %s", res.Entry.Kind, entry.KindManualGrant)
	}
	if res.Entry.Metadata["previous_used"] != "30" || res.Entry.Metadata["reason"] != "plan_change" {
		t.Errorf("entry metadata: got %v", res.Entry.Metadata)
	}
}

func TestChangePlanValidation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)

	if _, err := eng.ChangePlan(ctx, cust, "", 100); !minutes.IsValidation(err) {
		t.Errorf("empty key: got %v, want ValidationError", err)
	}
	if _, err := eng.ChangePlan(ctx, cust, "pro", -1); !minutes.IsValidation(err) {
		t.Errorf("negative minutes: got %v, want ValidationError", err)
	}
	if _, err := eng.ChangePlanTo(ctx, cust, "does-not-exist"); !minutes.IsValidation(err) {
		t.Errorf("unknown plan: got %v, want ValidationError", err)
	}
}

func TestChangePlanToCatalog(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	plans := []*plan.Plan{
		{Key: "starter", Name: "Starter", Minutes: 200, Active: true},
		{Key: "starter", Tenant: "acme", Name: "Acme Starter", Minutes: 75, Active: true},
		{Key: "payg", Name: "Pay as you go", PayAsYouGo: true, Minutes: 300, Active: true},
	}
	for _, p := range plans {
		if err := eng.Store().SavePlan(ctx, p); err != nil {
			t.Fatalf("SavePlan: %v", err)
		}
	}

	rootCust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)
	tenantPool(t, eng, "acme", 0)
	acmeCust := openAccount(t, eng, "acme", account.RoleCustomer)

	tests := []struct {
		name    string
		account id.AccountID
		key     string
		want    int64
	}{
		{"root plan", rootCust, "starter", 200},
		{"tenant plan wins", acmeCust, "starter", 75},
		{"pay as you go is unlimited", rootCust, "PAYG", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.ChangePlanTo(ctx, tt.account, tt.key)
			if err != nil {
				t.Fatalf("ChangePlanTo: %v", err)
			}
			if res.Allocation.Limit != tt.want {
				t.Errorf("limit: got %d, want %d", res.Allocation.Limit, tt.want)
			}
		})
	}
}

func TestChangePlanEnforcePool(t *testing.T) {
	ctx := context.Background()

	t.Run("bypasses pool by default", func(t *testing.T) {
		eng := newEngine(t, nil)
		tenantPool(t, eng, "acme", 50)
		cust := openAccount(t, eng, "acme", account.RoleCustomer)
		if _, err := eng.ChangePlan(ctx, cust, "big", 5000); err != nil {
			t.Errorf("ChangePlan without enforcement: %v", err)
		}
	})

	t.Run("customer must fit the pool", func(t *testing.T) {
		eng := newEngine(t, nil, minutes.WithEnforcePoolOnPlanChange(true))
		tenantPool(t, eng, "acme", 50)
		cust := openAccount(t, eng, "acme", account.RoleCustomer)

		if _, err := eng.ChangePlan(ctx, cust, "big", 5000); !minutes.IsQuotaError(err) {
			t.Errorf("oversized plan: got %v, want QuotaExceededError", err)
		}
		res, err := eng.ChangePlan(ctx, cust, "small", 40)
		if err != nil {
			t.Fatalf("fitting plan: %v", err)
		}
		if res.Check == nil || res.Check.Headroom != 50 {
			t.Errorf("check: got %+v, want headroom 50", res.Check)
		}
	})

	t.Run("admin cap must cover customers", func(t *testing.T) {
		eng := newEngine(t, nil, minutes.WithEnforcePoolOnPlanChange(true))
		admin := tenantPool(t, eng, "acme", 1000)
		cust := openAccount(t, eng, "acme", account.RoleCustomer)
		if _, err := eng.AllocateForCustomer(ctx, admin, cust, 600); err != nil {
			t.Fatalf("AllocateForCustomer: %v", err)
		}

		if _, err := eng.ChangePlan(ctx, admin, "tiny", 100); !minutes.IsQuotaError(err) {
			t.Errorf("cap below holdings: got %v, want QuotaExceededError", err)
		}
		if _, err := eng.ChangePlan(ctx, admin, "unlimited", 0); err != nil {
			t.Errorf("unlimited admin plan: %v", err)
		}
	})
}
