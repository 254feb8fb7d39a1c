package minutes

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/id"
)

// PoolCheck is the outcome of validating a customer's proposed limit
// against the tenant admin's pool.
type PoolCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	AdminID    id.AccountID `json:"admin_id"`
	AdminLimit int64        `json:"admin_limit"`

	// CurrentAllocated sums the finite limits of every other customer.
	CurrentAllocated int64 `json:"current_allocated"`
	Proposed         int64 `json:"proposed"`

	// Headroom is what the pool leaves for the proposed customer; -1 when
	// the pool is unlimited.
	Headroom int64 `json:"headroom"`
}

// Rejection converts a rejected check into a QuotaExceededError.
func (c PoolCheck) Rejection(requested int64) error {
	if c.Allowed {
		return nil
	}
	return &QuotaExceededError{
		AdminID:          c.AdminID,
		AdminLimit:       c.AdminLimit,
		CurrentAllocated: c.CurrentAllocated,
		Requested:        requested,
		Reason:           c.Reason,
	}
}

// EvaluatePool decides whether setting a customer's limit to proposed keeps
// the tenant pool consistent. customers are the tenant's rows; the admin's
// own row and exclude are skipped. It reads nothing and writes nothing.
func EvaluatePool(admin *allocation.Allocation, customers []*allocation.Allocation, proposed int64, exclude id.AccountID) PoolCheck {
	check := PoolCheck{
		AdminID:    admin.AccountID,
		AdminLimit: admin.Limit,
		Proposed:   proposed,
	}

	for _, c := range customers {
		if c.AccountID == admin.AccountID || c.IsAdmin() {
			continue
		}
		if !exclude.IsNil() && c.AccountID == exclude {
			continue
		}
		if c.Limit > 0 {
			check.CurrentAllocated = saturatingAdd(check.CurrentAllocated, c.Limit)
		}
	}

	if admin.IsUnlimited() {
		check.Allowed = true
		check.Headroom = -1
		return check
	}

	check.Headroom = max(0, admin.Limit-check.CurrentAllocated)

	switch {
	case proposed == allocation.Unlimited:
		check.Reason = "unlimited allocation requires an unlimited admin pool"
	case proposed < 0:
		check.Reason = "negative allocation"
	case proposed > admin.Limit-check.CurrentAllocated:
		check.Reason = fmt.Sprintf("allocated %d + proposed %d exceeds pool %d",
			check.CurrentAllocated, proposed, admin.Limit)
	default:
		check.Allowed = true
	}
	return check
}

// addMinutes returns cur+delta, rejecting a sum past math.MaxInt64.
func addMinutes(field string, cur, delta int64) (int64, error) {
	if delta > 0 && cur > math.MaxInt64-delta {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("adding %d to %d overflows", delta, cur)}
	}
	return cur + delta, nil
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// QuotaValidator evaluates pool checks against stored allocations.
type QuotaValidator struct {
	store allocation.Store
}

// NewQuotaValidator creates a validator reading from s.
func NewQuotaValidator(s allocation.Store) *QuotaValidator {
	return &QuotaValidator{store: s}
}

// Validate reads the admin's pool and the tenant's other customers and
// evaluates proposedCustomerTotal. exclude is the customer being updated,
// whose current limit is replaced by the proposal.
func (v *QuotaValidator) Validate(ctx context.Context, adminID id.AccountID, proposedCustomerTotal int64, exclude id.AccountID) (*PoolCheck, error) {
	admin, err := getAllocation(ctx, v.store, adminID)
	if err != nil {
		return nil, err
	}
	if !admin.IsAdmin() {
		return nil, fmt.Errorf("%w: %s is not a tenant admin", ErrForbidden, adminID)
	}
	check, err := evaluateStored(ctx, v.store, admin, proposedCustomerTotal, exclude)
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func evaluateStored(ctx context.Context, s allocation.Store, admin *allocation.Allocation, proposed int64, exclude id.AccountID) (PoolCheck, error) {
	rows, err := s.ListAllocations(ctx, admin.Tenant, exclude)
	if err != nil {
		return PoolCheck{}, &PersistenceError{Op: "list allocations", Err: err}
	}
	return EvaluatePool(admin, rows, proposed, exclude), nil
}

// getAllocation reads a row, keeping not-found distinct from storage failure.
func getAllocation(ctx context.Context, s allocation.Store, accountID id.AccountID) (*allocation.Allocation, error) {
	a, err := s.GetAllocation(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, &PersistenceError{Op: "get allocation", Err: err}
	}
	return a, nil
}

// ValidatePool runs the pool check for a customer under adminID.
func (e *Engine) ValidatePool(ctx context.Context, adminID id.AccountID, proposedCustomerTotal int64, exclude id.AccountID) (*PoolCheck, error) {
	return NewQuotaValidator(e.store).Validate(ctx, adminID, proposedCustomerTotal, exclude)
}
