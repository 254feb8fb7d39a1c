package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	minutesstore "github.com/xraph/minutes/store"
	"github.com/xraph/minutes/types"
)

func TestBuildCommit(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	admin := allocation.New(account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleAdmin})
	cust := allocation.New(account.Account{ID: id.NewAccountID(), Tenant: "acme", Role: account.RoleCustomer})
	corr := id.NewCorrelationID()

	b := &minutesstore.Batch{
		Allocations: []minutesstore.AllocationWrite{
			{Allocation: cust, ExpectedVersion: 3},
			{Allocation: admin, ExpectedVersion: 9},
		},
		Entries: []*entry.Entry{
			{ID: id.NewEntryID(), AccountID: admin.AccountID, Kind: entry.KindTransferDebit, MinutesDelta: -5,
				Amount: types.USD(0), CorrelationID: corr, Status: entry.StatusApplied, CreatedAt: now},
			{ID: id.NewEntryID(), AccountID: cust.AccountID, Kind: entry.KindTransferCredit, MinutesDelta: 5,
				Amount: types.USD(0), CorrelationID: corr, Status: entry.StatusApplied, CreatedAt: now,
				Metadata: map[string]string{"admin_id": admin.AccountID.String()}},
		},
	}

	query, args, err := buildCommit(b)
	if err != nil {
		t.Fatalf("buildCommit: %v", err)
	}

	if want := 6*len(b.Allocations) + 15*len(b.Entries); len(args) != want {
		t.Errorf("args: got %d, want %d", len(args), want)
	}
	for _, frag := range []string{
		"WITH w0 AS (",
		"w1 AS (",
		"CASE WHEN (SELECT count(*) FROM w0) + (SELECT count(*) FROM w1) = 2 THEN 1 ELSE 0 END",
		"e1 AS (",
		"SELECT ok FROM guard",
	} {
		if !strings.Contains(query, frag) {
			t.Errorf("query missing %q", frag)
		}
	}
	if got := strings.Count(query, "FROM guard\n"); got != len(b.Entries) {
		t.Errorf("guarded inserts: got %d, want %d", got, len(b.Entries))
	}
	if args[5] != int64(3) || args[11] != int64(9) {
		t.Errorf("expected versions: got %v and %v, want 3 and 9", args[5], args[11])
	}
	// nil metadata is stored as an empty object.
	if got := args[12+13]; got != "{}" {
		t.Errorf("first entry metadata: got %v, want {}", got)
	}
}

func TestBuildCommitEntriesOnly(t *testing.T) {
	b := &minutesstore.Batch{
		Entries: []*entry.Entry{{ID: id.NewEntryID(), AccountID: id.NewAccountID(), Amount: types.USD(0)}},
	}
	query, _, err := buildCommit(b)
	if err != nil {
		t.Fatalf("buildCommit: %v", err)
	}
	if !strings.Contains(query, "CASE WHEN 0 = 0 THEN 1 ELSE 0 END") {
		t.Errorf("guard without allocations should always pass:\n%s", query)
	}
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		msg       string
		unique    bool
		divByZero bool
	}{
		{`ERROR: duplicate key value violates unique constraint "minutes_entries_idem_idx" (SQLSTATE 23505)`, true, false},
		{`ERROR: division by zero (SQLSTATE 22012)`, false, true},
		{`connection refused`, false, false},
	}
	for _, tt := range tests {
		err := errors.New(tt.msg)
		if got := isUniqueViolation(err); got != tt.unique {
			t.Errorf("isUniqueViolation(%q): got %v, want %v", tt.msg, got, tt.unique)
		}
		if got := isDivisionByZero(err); got != tt.divByZero {
			t.Errorf("isDivisionByZero(%q): got %v, want %v", tt.msg, got, tt.divByZero)
		}
	}
}
