// Package entry defines the append-only ledger of quota-affecting events.
package entry

import (
	"time"

	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/types"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindPurchase       Kind = "purchase"
	KindManualGrant    Kind = "manual_grant"
	KindTransferCredit Kind = "transfer_credit"
	KindTransferDebit  Kind = "transfer_debit"
	KindUsageDeduction Kind = "usage_deduction"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindManualGrant, KindTransferCredit, KindTransferDebit, KindUsageDeduction:
		return true
	}
	return false
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApplied     Status = "applied"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailed || s == StatusCompensated
}

var transitions = map[Status][]Status{
	StatusPending: {StatusApplied, StatusFailed, StatusCompensated},
}

// CanTransition reports whether an entry may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entry is an immutable record. It is stored once, already in a terminal
// status; corrections are new entries.
type Entry struct {
	ID             id.EntryID        `json:"id"`
	AccountID      id.AccountID      `json:"account_id"`
	Tenant         string            `json:"tenant"`
	Kind           Kind              `json:"kind"`
	MinutesDelta   int64             `json:"minutes_delta"`
	Amount         types.Money       `json:"amount"`
	CorrelationID  id.CorrelationID  `json:"correlation_id,omitzero"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Status         Status            `json:"status"`
	LimitAfter     int64             `json:"limit_after"`
	UsedAfter      int64             `json:"used_after"`
	Note           string            `json:"note,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Compensation returns the entry that reverses e, keyed so a second
// compensation attempt is detected as a duplicate.
func (e *Entry) Compensation(now time.Time) *Entry {
	return &Entry{
		ID:             id.NewEntryID(),
		AccountID:      e.AccountID,
		Tenant:         e.Tenant,
		Kind:           e.Kind,
		MinutesDelta:   -e.MinutesDelta,
		Amount:         e.Amount.Negate(),
		CorrelationID:  e.CorrelationID,
		IdempotencyKey: CompensationKey(e.IdempotencyKey),
		Status:         StatusCompensated,
		Note:           "reverses " + e.ID.String(),
		CreatedAt:      now.UTC(),
	}
}

// ListOpts filters entry listings. Results are newest first.
type ListOpts struct {
	Kinds  []Kind
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOpts.Limit is zero.
const DefaultListLimit = 50
