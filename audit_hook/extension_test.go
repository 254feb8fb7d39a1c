package audithook

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
)

type captured struct {
	events []*AuditEvent
}

func (c *captured) Record(_ context.Context, ev *AuditEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestPartialFailureSeverity(t *testing.T) {
	tests := []struct {
		name        string
		compensated bool
		severity    string
	}{
		{"compensated", true, SeverityError},
		{"not compensated", false, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captured{}
			ext := New(rec)
			corr := id.NewCorrelationID()

			if err := ext.OnPartialFailure(context.Background(), "transfer", corr, tt.compensated, errors.New("disk full")); err != nil {
				t.Fatalf("OnPartialFailure: %v", err)
			}
			if len(rec.events) != 1 {
				t.Fatalf("events: got %d, want 1", len(rec.events))
			}
			ev := rec.events[0]
			if ev.Severity != tt.severity {
				t.Errorf("severity: got %q, want %q", ev.Severity, tt.severity)
			}
			if ev.ResourceID != corr.String() || ev.Reason != "disk full" {
				t.Errorf("event: got resource=%q reason=%q", ev.ResourceID, ev.Reason)
			}
		})
	}
}

func TestUsageAuditOnlyWhenExceeded(t *testing.T) {
	rec := &captured{}
	ext := New(rec)
	en := &entry.Entry{ID: id.NewEntryID(), AccountID: id.NewAccountID(), MinutesDelta: -5, UsedAfter: 12, LimitAfter: 10}

	_ = ext.OnUsageDeducted(context.Background(), en, false)
	if len(rec.events) != 0 {
		t.Fatalf("deduction within limit was audited")
	}
	_ = ext.OnUsageDeducted(context.Background(), en, true)
	if len(rec.events) != 1 || rec.events[0].Metadata["minutes"] != int64(5) {
		t.Errorf("over-limit deduction: got %+v", rec.events)
	}
}

func TestActionFilters(t *testing.T) {
	a := allocation.New(account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleAdmin})

	t.Run("enabled", func(t *testing.T) {
		rec := &captured{}
		ext := New(rec, WithEnabledActions(ActionLimitExceeded))
		_ = ext.OnAccountOpened(context.Background(), a)
		_ = ext.OnLimitExceeded(context.Background(), a)
		if len(rec.events) != 1 || rec.events[0].Action != ActionLimitExceeded {
			t.Errorf("events: got %+v", rec.events)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		rec := &captured{}
		ext := New(rec, WithDisabledActions(ActionAccountOpened))
		_ = ext.OnAccountOpened(context.Background(), a)
		_ = ext.OnLimitExceeded(context.Background(), a)
		if len(rec.events) != 1 || rec.events[0].Action != ActionLimitExceeded {
			t.Errorf("events: got %+v", rec.events)
		}
	})
}

func TestRecorderFailureIsNotPropagated(t *testing.T) {
	ext := New(RecorderFunc(func(context.Context, *AuditEvent) error {
		return errors.New("audit backend down")
	}))
	a := allocation.New(account.Account{ID: id.NewAccountID(), Role: account.RoleCustomer})
	if err := ext.OnAccountOpened(context.Background(), a); err != nil {
		t.Errorf("OnAccountOpened: got %v, want nil", err)
	}
}
