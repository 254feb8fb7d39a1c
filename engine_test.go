package minutes_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/pricing"
	"github.com/xraph/minutes/store"
	"github.com/xraph/minutes/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, s store.Store, opts ...minutes.Option) *minutes.Engine {
	t.Helper()
	if s == nil {
		s = memory.New()
	}
	opts = append([]minutes.Option{minutes.WithLogger(quietLogger())}, opts...)
	eng := minutes.New(s, opts...)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func openAccount(t *testing.T, eng *minutes.Engine, tenant string, role account.Role) id.AccountID {
	t.Helper()
	acct := account.Account{ID: id.NewAccountID(), Tenant: tenant, Role: role}
	if _, err := eng.OpenAccount(context.Background(), acct); err != nil {
		t.Fatalf("OpenAccount(%s, %s): %v", tenant, role, err)
	}
	return acct.ID
}

func grant(t *testing.T, eng *minutes.Engine, accountID id.AccountID, n int64) {
	t.Helper()
	if _, err := eng.GrantMinutes(context.Background(), minutes.GrantRequest{AccountID: accountID, Minutes: n}); err != nil {
		t.Fatalf("GrantMinutes(%d): %v", n, err)
	}
}

func allocationOf(t *testing.T, eng *minutes.Engine, accountID id.AccountID) *allocation.Allocation {
	t.Helper()
	a, err := eng.Store().GetAllocation(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	return a
}

// tenantPool opens a whitelabel admin with a pool of size minutes.
func tenantPool(t *testing.T, eng *minutes.Engine, tenant string, size int64) id.AccountID {
	t.Helper()
	admin := openAccount(t, eng, tenant, account.RoleAdmin)
	if size > 0 {
		grant(t, eng, admin, size)
	}
	return admin
}

// events records plugin callbacks.
type events struct {
	mu        sync.Mutex
	completed int
	rejected  int
	exceeded  int
	purchased int
	partial   []bool
}

func (ev *events) Name() string { return "test-events" }

func (ev *events) OnTransferCompleted(context.Context, *entry.Entry, *entry.Entry) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.completed++
	return nil
}

func (ev *events) OnTransferRejected(context.Context, id.AccountID, id.AccountID, int64, error) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.rejected++
	return nil
}

func (ev *events) OnLimitExceeded(context.Context, *allocation.Allocation) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.exceeded++
	return nil
}

func (ev *events) OnMinutesPurchased(context.Context, *entry.Entry) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.purchased++
	return nil
}

func (ev *events) OnPartialFailure(_ context.Context, _ string, _ id.CorrelationID, compensated bool, _ error) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.partial = append(ev.partial, compensated)
	return nil
}

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)

	a, err := eng.OpenAccount(ctx, account.Account{ID: id.NewAccountID(), Tenant: "", Role: account.RoleCustomer})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if a.Tenant != account.RootTenant {
		t.Errorf("tenant: got %q, want %q", a.Tenant, account.RootTenant)
	}
	if a.Limit != 0 || a.Used != 0 {
		t.Errorf("new allocation: got limit=%d used=%d, want 0/0", a.Limit, a.Used)
	}

	tenantPool(t, eng, "acme", 0)
	_, err = eng.OpenAccount(ctx, account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleAdmin})
	if !errors.Is(err, minutes.ErrAlreadyExists) {
		t.Errorf("second admin: got %v, want ErrAlreadyExists", err)
	}

	_, err = eng.OpenAccount(ctx, account.Account{ID: a.AccountID, Role: account.RoleCustomer})
	if !errors.Is(err, minutes.ErrAlreadyExists) {
		t.Errorf("duplicate account: got %v, want ErrAlreadyExists", err)
	}

	_, err = eng.OpenAccount(ctx, account.Account{ID: id.NewAccountID(), Role: "owner"})
	if !minutes.IsValidation(err) {
		t.Errorf("unknown role: got %v, want ValidationError", err)
	}
}

func TestGrantToWhitelabelCustomerUsesPool(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	admin := tenantPool(t, eng, "acme", 100)
	cust := openAccount(t, eng, "acme", account.RoleCustomer)

	res, err := eng.GrantMinutes(ctx, minutes.GrantRequest{AccountID: cust, Minutes: 80, Reference: "promo-1"})
	if err != nil {
		t.Fatalf("GrantMinutes: %v", err)
	}
	if res.Check == nil || !res.Check.Allowed {
		t.Errorf("grant check: got %+v, want allowed", res.Check)
	}
	if res.Entry.Kind != entry.KindManualGrant {
		t.Errorf("entry kind: got %s, want %s", res.Entry.Kind, entry.KindManualGrant)
	}

	again, err := eng.GrantMinutes(ctx, minutes.GrantRequest{AccountID: cust, Minutes: 80, Reference: "promo-1"})
	if err != nil {
		t.Fatalf("replayed GrantMinutes: %v", err)
	}
	if !again.Replayed {
		t.Error("second grant with the same reference should replay")
	}
	if got := allocationOf(t, eng, cust).Limit; got != 80 {
		t.Errorf("customer limit: got %d, want 80", got)
	}

	_, err = eng.GrantMinutes(ctx, minutes.GrantRequest{AccountID: cust, Minutes: 30})
	if !minutes.IsQuotaError(err) {
		t.Errorf("grant past pool: got %v, want QuotaExceededError", err)
	}

	// Capping an admin below what its customers hold is rejected.
	other := tenantPool(t, eng, "globex", 0)
	gc := openAccount(t, eng, "globex", account.RoleCustomer)
	if _, err := eng.AllocateForCustomer(ctx, other, gc, 500); err != nil {
		t.Fatalf("AllocateForCustomer: %v", err)
	}
	_, err = eng.GrantMinutes(ctx, minutes.GrantRequest{AccountID: other, Minutes: 100})
	if !minutes.IsQuotaError(err) {
		t.Errorf("capping pool below holdings: got %v, want QuotaExceededError", err)
	}
	if got := allocationOf(t, eng, admin).Limit; got != 100 {
		t.Errorf("acme admin limit: got %d, want 100", got)
	}
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)

	s, err := eng.Summary(ctx, cust)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !s.Unlimited || s.Remaining != -1 {
		t.Errorf("unlimited summary: got %+v", s)
	}

	grant(t, eng, cust, 200)
	if _, err := eng.DeductUsage(ctx, cust, "call-1", 50); err != nil {
		t.Fatalf("DeductUsage: %v", err)
	}

	s, err = eng.Summary(ctx, cust)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Total != 200 || s.Used != 50 || s.Remaining != 150 || s.PercentUsed != 25 {
		t.Errorf("summary: got %+v, want total=200 used=50 remaining=150 percent=25", s)
	}

	if _, err := eng.Summary(ctx, id.NewAccountID()); !minutes.IsNotFound(err) {
		t.Errorf("unknown account: got %v, want not found", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)
	cust := openAccount(t, eng, account.RootTenant, account.RoleCustomer)

	grant(t, eng, cust, 10)
	if _, err := eng.SelfPurchase(ctx, cust, 20); err != nil {
		t.Fatalf("SelfPurchase: %v", err)
	}
	if _, err := eng.DeductUsage(ctx, cust, "s-1", 3); err != nil {
		t.Fatalf("DeductUsage: %v", err)
	}

	all, err := eng.History(ctx, cust, entry.ListOpts{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []entry.Kind{entry.KindUsageDeduction, entry.KindPurchase, entry.KindManualGrant}
	if len(all) != len(want) {
		t.Fatalf("History: got %d entries, want %d", len(all), len(want))
	}
	for i, k := range want {
		if all[i].Kind != k {
			t.Errorf("entry %d: got %s, want %s", i, all[i].Kind, k)
		}
	}

	purchases, err := eng.History(ctx, cust, entry.ListOpts{Kinds: []entry.Kind{entry.KindPurchase}})
	if err != nil {
		t.Fatalf("History(purchase): %v", err)
	}
	if len(purchases) != 1 || purchases[0].MinutesDelta != 20 {
		t.Errorf("purchase history: got %d entries", len(purchases))
	}
}

func TestSetPricingValidates(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, nil)

	bad := pricing.Default("acme")
	bad.Currency = "dollars"
	if err := eng.SetPricing(ctx, bad); !minutes.IsValidation(err) {
		t.Errorf("bad currency: got %v, want ValidationError", err)
	}

	cfg, err := eng.Pricing(ctx, "acme")
	if err != nil {
		t.Fatalf("Pricing: %v", err)
	}
	if !cfg.PricePerMinute.Equal(pricing.DefaultPricePerMinute) {
		t.Errorf("default price: got %s, want %s", cfg.PricePerMinute, pricing.DefaultPricePerMinute)
	}
}

type closeCounter struct {
	store.Store
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Store.Close()
}

type shutdownCounter struct{ calls int }

func (s *shutdownCounter) Name() string { return "shutdown-counter" }

func (s *shutdownCounter) OnShutdown(context.Context) error {
	s.calls++
	return nil
}

func TestStopRunsOnce(t *testing.T) {
	s := &closeCounter{Store: memory.New()}
	sc := &shutdownCounter{}
	eng := minutes.New(s, minutes.WithLogger(quietLogger()), minutes.WithPlugin(sc))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := eng.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if s.closes != 1 {
		t.Errorf("store closes: got %d, want 1", s.closes)
	}
	if sc.calls != 1 {
		t.Errorf("OnShutdown calls: got %d, want 1", sc.calls)
	}
}
