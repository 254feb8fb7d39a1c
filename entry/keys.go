package entry

import "github.com/xraph/minutes/id"

// Side names one half of a transfer.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// TransferKey is the idempotency key of one side of a transfer.
func TransferKey(corr id.CorrelationID, side Side) string {
	return "transfer:" + corr.String() + ":" + string(side)
}

// UsageKey is the idempotency key of a call session's deduction.
func UsageKey(sessionID string) string {
	return "usage:" + sessionID
}

// PurchaseKey is the idempotency key of a caller-referenced purchase.
func PurchaseKey(reference string) string {
	return "purchase:" + reference
}

// GrantKey is the idempotency key of a caller-referenced manual grant.
func GrantKey(reference string) string {
	return "grant:" + reference
}

// CompensationKey is the idempotency key of the entry reversing key.
// An empty key stays empty.
func CompensationKey(key string) string {
	if key == "" {
		return ""
	}
	return "compensate:" + key
}

// FailureKey is the idempotency key of the failure record for key.
func FailureKey(key string) string {
	if key == "" {
		return ""
	}
	return "failed:" + key
}
