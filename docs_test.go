package minutes_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/audit_hook"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/store/memory"
)

// TestDocumentationExamples verifies that the README walkthrough runs.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()

		var audited []string
		recorder := audithook.RecorderFunc(func(_ context.Context, ev *audithook.AuditEvent) error {
			audited = append(audited, ev.Action)
			return nil
		})

		eng := minutes.New(memory.New(),
			minutes.WithLogger(quietLogger()),
			minutes.WithPlugin(audithook.New(recorder, audithook.WithLogger(slog.Default()))),
			minutes.WithPricingRefreshInterval(time.Minute),
		)
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop()

		// A whitelabel tenant: one admin pool, customers drawing from it.
		admin := account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleAdmin}
		customer := account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleCustomer}
		for _, a := range []account.Account{admin, customer} {
			if _, err := eng.OpenAccount(ctx, a); err != nil {
				t.Fatal(err)
			}
		}

		// The admin buys minutes at root pricing.
		if _, err := eng.SelfPurchase(ctx, admin.ID, 1000); err != nil {
			t.Fatal(err)
		}

		// The admin hands 250 of them to the customer.
		tr, err := eng.AllocateForCustomer(ctx, admin.ID, customer.ID, 250)
		if err != nil {
			t.Fatal(err)
		}
		if tr.Check.Headroom != 1000 {
			t.Errorf("headroom before transfer: got %d, want 1000", tr.Check.Headroom)
		}

		// A finished 90 second call bills two minutes, once.
		for range 2 {
			if _, err := eng.DeductUsageSeconds(ctx, customer.ID, "call-42", 90); err != nil {
				t.Fatal(err)
			}
		}

		summary, err := eng.Summary(ctx, customer.ID)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Total != 250 || summary.Used != 2 {
			t.Errorf("summary: got total=%d used=%d, want 250/2", summary.Total, summary.Used)
		}

		if len(audited) == 0 {
			t.Error("audit recorder saw no events")
		}
	})
}
