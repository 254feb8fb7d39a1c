// Package plugin provides lifecycle hooks into the minutes engine.
// A plugin implements Plugin plus any subset of the hook interfaces.
package plugin

import (
	"context"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/pricing"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Allocation hooks
// ──────────────────────────────────────────────────

// OnAccountOpened is called after an account's allocation is created.
type OnAccountOpened interface {
	Plugin
	OnAccountOpened(ctx context.Context, a *allocation.Allocation) error
}

// OnTransferCompleted is called after both sides of a transfer committed.
type OnTransferCompleted interface {
	Plugin
	OnTransferCompleted(ctx context.Context, debit, credit *entry.Entry) error
}

// OnTransferRejected is called when the pool check refuses a transfer.
type OnTransferRejected interface {
	Plugin
	OnTransferRejected(ctx context.Context, adminID, customerID id.AccountID, minutes int64, reason error) error
}

// OnMinutesPurchased is called after a purchase committed. For a
// whitelabel customer e is the credit side of the underlying transfer.
type OnMinutesPurchased interface {
	Plugin
	OnMinutesPurchased(ctx context.Context, e *entry.Entry) error
}

// OnMinutesGranted is called after a manual grant.
type OnMinutesGranted interface {
	Plugin
	OnMinutesGranted(ctx context.Context, e *entry.Entry) error
}

// OnPlanChanged is called after a plan switch reset an allocation.
type OnPlanChanged interface {
	Plugin
	OnPlanChanged(ctx context.Context, e *entry.Entry, planKey string) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageDeducted is called after a session's usage was recorded.
type OnUsageDeducted interface {
	Plugin
	OnUsageDeducted(ctx context.Context, e *entry.Entry, exceeded bool) error
}

// OnLimitExceeded is called when usage pushes an account past its limit.
// The engine never blocks usage; this is where deactivation policy hooks in.
type OnLimitExceeded interface {
	Plugin
	OnLimitExceeded(ctx context.Context, a *allocation.Allocation) error
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnPricingUpdated is called after a tenant's pricing changed.
type OnPricingUpdated interface {
	Plugin
	OnPricingUpdated(ctx context.Context, cfg *pricing.Config) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnPartialFailure is called when a paired write half-applied. When
// compensated is false the ledger needs manual reconciliation; implement
// this hook to page someone.
type OnPartialFailure interface {
	Plugin
	OnPartialFailure(ctx context.Context, operation string, corr id.CorrelationID, compensated bool, cause error) error
}
