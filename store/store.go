// Package store defines the persistence port of the minutes engine.
package store

import (
	"context"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
)

// Store is the unified storage interface for all minutes entities.
// Methods are declared explicitly rather than by embedding the
// sub-interfaces so backends have one list to satisfy.
type Store interface {
	// Allocation methods
	GetAllocation(ctx context.Context, accountID id.AccountID) (*allocation.Allocation, error)
	UpsertAllocation(ctx context.Context, a *allocation.Allocation, expectedVersion int64) error
	ListAllocations(ctx context.Context, tenant string, exclude id.AccountID) ([]*allocation.Allocation, error)
	GetTenantAdmin(ctx context.Context, tenant string) (*allocation.Allocation, error)

	// Entry methods
	AppendEntry(ctx context.Context, e *entry.Entry) error
	FindEntryByIdempotencyKey(ctx context.Context, key string) (*entry.Entry, error)
	ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error)
	ListEntriesByCorrelation(ctx context.Context, corr id.CorrelationID) ([]*entry.Entry, error)

	// Pricing methods
	GetPricing(ctx context.Context, tenant string) (*pricing.Config, error)
	SetPricing(ctx context.Context, c *pricing.Config) error
	ListPricing(ctx context.Context) ([]*pricing.Config, error)

	// Plan methods
	GetPlan(ctx context.Context, tenant, key string) (*plan.Plan, error)
	SavePlan(ctx context.Context, p *plan.Plan) error
	ListPlans(ctx context.Context, tenant string) ([]*plan.Plan, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// AllocationWrite is one version-checked allocation update.
// ExpectedVersion must be the version the caller read (>= 1).
type AllocationWrite struct {
	Allocation      *allocation.Allocation
	ExpectedVersion int64
}

// Batch is a set of writes applied all-or-nothing.
type Batch struct {
	Allocations []AllocationWrite
	Entries     []*entry.Entry
}

// Committer is implemented by backends that can apply a Batch atomically.
// Commit either applies every write or none: a version mismatch yields a
// conflict error and a taken idempotency key a duplicate error. On success
// each written allocation's Version is ExpectedVersion+1.
type Committer interface {
	Commit(ctx context.Context, b *Batch) error
}

var (
	_ allocation.Store = (Store)(nil)
	_ entry.Store      = (Store)(nil)
	_ pricing.Store    = (Store)(nil)
	_ plan.Store       = (Store)(nil)
)
