package allocation

import (
	"context"

	"github.com/xraph/minutes/id"
)

// Store persists allocation rows.
type Store interface {
	// GetAllocation returns the row for accountID.
	GetAllocation(ctx context.Context, accountID id.AccountID) (*Allocation, error)

	// UpsertAllocation inserts a when expectedVersion is 0, otherwise
	// overwrites Limit, Used and PlanKey only if the stored version equals
	// expectedVersion. On success a.Version is expectedVersion+1.
	UpsertAllocation(ctx context.Context, a *Allocation, expectedVersion int64) error

	// ListAllocations returns every row in tenant except exclude (which may
	// be the nil ID).
	ListAllocations(ctx context.Context, tenant string, exclude id.AccountID) ([]*Allocation, error)

	// GetTenantAdmin returns the admin row of tenant.
	GetTenantAdmin(ctx context.Context, tenant string) (*Allocation, error)
}
