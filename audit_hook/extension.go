// Package audithook bridges minutes lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit library directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plugin"
	"github.com/xraph/minutes/pricing"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnAccountOpened     = (*Extension)(nil)
	_ plugin.OnTransferCompleted = (*Extension)(nil)
	_ plugin.OnTransferRejected  = (*Extension)(nil)
	_ plugin.OnMinutesPurchased  = (*Extension)(nil)
	_ plugin.OnMinutesGranted    = (*Extension)(nil)
	_ plugin.OnPlanChanged       = (*Extension)(nil)
	_ plugin.OnUsageDeducted     = (*Extension)(nil)
	_ plugin.OnLimitExceeded     = (*Extension)(nil)
	_ plugin.OnPricingUpdated    = (*Extension)(nil)
	_ plugin.OnPartialFailure    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges minutes lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Allocation hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (e *Extension) OnAccountOpened(ctx context.Context, a *allocation.Allocation) error {
	return e.record(ctx, ActionAccountOpened, SeverityInfo, OutcomeSuccess,
		ResourceAllocation, a.AccountID.String(), CategoryQuota, nil,
		"tenant", a.Tenant,
		"role", string(a.Role),
	)
}

// OnTransferCompleted implements plugin.OnTransferCompleted.
func (e *Extension) OnTransferCompleted(ctx context.Context, debit, credit *entry.Entry) error {
	return e.record(ctx, ActionTransferCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTransfer, credit.CorrelationID.String(), CategoryQuota, nil,
		"tenant", credit.Tenant,
		"admin_id", debit.AccountID.String(),
		"customer_id", credit.AccountID.String(),
		"minutes", credit.MinutesDelta,
		"amount", credit.Amount.String(),
		"customer_limit", credit.LimitAfter,
		"admin_used", debit.UsedAfter,
	)
}

// OnTransferRejected implements plugin.OnTransferRejected.
func (e *Extension) OnTransferRejected(ctx context.Context, adminID, customerID id.AccountID, minutes int64, reason error) error {
	return e.record(ctx, ActionTransferRejected, SeverityWarning, OutcomeFailure,
		ResourceTransfer, "", CategoryQuota, reason,
		"admin_id", adminID.String(),
		"customer_id", customerID.String(),
		"minutes", minutes,
	)
}

// OnMinutesPurchased implements plugin.OnMinutesPurchased.
func (e *Extension) OnMinutesPurchased(ctx context.Context, en *entry.Entry) error {
	return e.record(ctx, ActionMinutesPurchased, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryBilling, nil,
		"account_id", en.AccountID.String(),
		"kind", string(en.Kind),
		"minutes", en.MinutesDelta,
		"amount", en.Amount.String(),
		"correlation_id", en.CorrelationID.String(),
	)
}

// OnMinutesGranted implements plugin.OnMinutesGranted.
func (e *Extension) OnMinutesGranted(ctx context.Context, en *entry.Entry) error {
	return e.record(ctx, ActionMinutesGranted, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryQuota, nil,
		"account_id", en.AccountID.String(),
		"minutes", en.MinutesDelta,
		"note", en.Note,
	)
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (e *Extension) OnPlanChanged(ctx context.Context, en *entry.Entry, planKey string) error {
	return e.record(ctx, ActionPlanChanged, SeverityInfo, OutcomeSuccess,
		ResourceAllocation, en.AccountID.String(), CategoryQuota, nil,
		"plan_key", planKey,
		"limit", en.LimitAfter,
		"previous_limit", en.Metadata["previous_limit"],
		"previous_used", en.Metadata["previous_used"],
	)
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageDeducted implements plugin.OnUsageDeducted. Only deductions that
// leave the account over its limit are audited.
func (e *Extension) OnUsageDeducted(ctx context.Context, en *entry.Entry, exceeded bool) error {
	if !exceeded {
		return nil
	}
	return e.record(ctx, ActionUsageDeducted, SeverityWarning, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryUsage, nil,
		"account_id", en.AccountID.String(),
		"minutes", -en.MinutesDelta,
		"used", en.UsedAfter,
		"limit", en.LimitAfter,
	)
}

// OnLimitExceeded implements plugin.OnLimitExceeded.
func (e *Extension) OnLimitExceeded(ctx context.Context, a *allocation.Allocation) error {
	return e.record(ctx, ActionLimitExceeded, SeverityWarning, OutcomeFailure,
		ResourceAllocation, a.AccountID.String(), CategoryUsage, nil,
		"tenant", a.Tenant,
		"used", a.Used,
		"limit", a.Limit,
	)
}

// ──────────────────────────────────────────────────
// Pricing and reconciliation hooks
// ──────────────────────────────────────────────────

// OnPricingUpdated implements plugin.OnPricingUpdated.
func (e *Extension) OnPricingUpdated(ctx context.Context, cfg *pricing.Config) error {
	return e.record(ctx, ActionPricingUpdated, SeverityInfo, OutcomeSuccess,
		ResourcePricing, cfg.Tenant, CategoryBilling, nil,
		"price_per_minute", cfg.PricePerMinute.String(),
		"minimum_purchase", cfg.MinimumPurchase,
		"currency", cfg.Currency,
		"active", cfg.Active,
	)
}

// OnPartialFailure implements plugin.OnPartialFailure.
func (e *Extension) OnPartialFailure(ctx context.Context, operation string, corr id.CorrelationID, compensated bool, cause error) error {
	severity, outcome := SeverityError, OutcomePartial
	if !compensated {
		severity = SeverityCritical
	}
	return e.record(ctx, ActionPartialFailure, severity, outcome,
		ResourceTransfer, corr.String(), CategoryReconciliation, cause,
		"operation", operation,
		"compensated", compensated,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
