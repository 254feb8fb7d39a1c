// Package observability provides a metrics extension for the minutes engine
// that records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plugin"
	"github.com/xraph/minutes/pricing"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnInit              = (*MetricsExtension)(nil)
	_ plugin.OnAccountOpened     = (*MetricsExtension)(nil)
	_ plugin.OnTransferCompleted = (*MetricsExtension)(nil)
	_ plugin.OnTransferRejected  = (*MetricsExtension)(nil)
	_ plugin.OnMinutesPurchased  = (*MetricsExtension)(nil)
	_ plugin.OnMinutesGranted    = (*MetricsExtension)(nil)
	_ plugin.OnPlanChanged       = (*MetricsExtension)(nil)
	_ plugin.OnUsageDeducted     = (*MetricsExtension)(nil)
	_ plugin.OnLimitExceeded     = (*MetricsExtension)(nil)
	_ plugin.OnPricingUpdated    = (*MetricsExtension)(nil)
	_ plugin.OnPartialFailure    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a plugin to automatically track quota metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountsOpened Counter
	PlanChanges    Counter

	// Transfer metrics
	TransfersCompleted Counter
	TransfersRejected  Counter
	MinutesTransferred Counter
	TransferSize       Histogram

	// Purchase metrics
	Purchases        Counter
	MinutesPurchased Counter
	Grants           Counter
	MinutesGranted   Counter

	// Usage metrics
	UsageDeductions Counter
	MinutesConsumed Counter
	UsageOverLimit  Counter
	LimitExceeded   Counter

	// Pricing metrics
	PricingUpdates Counter

	// Reconciliation metrics
	PartialCompensated   Counter
	PartialUncompensated Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewPrometheusFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		AccountsOpened: factory.Counter("minutes.account.opened"),
		PlanChanges:    factory.Counter("minutes.plan.changed"),

		TransfersCompleted: factory.Counter("minutes.transfer.completed"),
		TransfersRejected:  factory.Counter("minutes.transfer.rejected"),
		MinutesTransferred: factory.Counter("minutes.transfer.minutes"),
		TransferSize:       factory.Histogram("minutes.transfer.size"),

		Purchases:        factory.Counter("minutes.purchase.count"),
		MinutesPurchased: factory.Counter("minutes.purchase.minutes"),
		Grants:           factory.Counter("minutes.grant.count"),
		MinutesGranted:   factory.Counter("minutes.grant.minutes"),

		UsageDeductions: factory.Counter("minutes.usage.deductions"),
		MinutesConsumed: factory.Counter("minutes.usage.minutes"),
		UsageOverLimit:  factory.Counter("minutes.usage.over_limit"),
		LimitExceeded:   factory.Counter("minutes.usage.limit_exceeded"),

		PricingUpdates: factory.Counter("minutes.pricing.updated"),

		PartialCompensated:   factory.Counter("minutes.partial_failure.compensated"),
		PartialUncompensated: factory.Counter("minutes.partial_failure.uncompensated"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Allocation hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (m *MetricsExtension) OnAccountOpened(_ context.Context, _ *allocation.Allocation) error {
	m.AccountsOpened.Inc()
	return nil
}

// OnTransferCompleted implements plugin.OnTransferCompleted.
func (m *MetricsExtension) OnTransferCompleted(_ context.Context, _, credit *entry.Entry) error {
	m.TransfersCompleted.Inc()
	m.MinutesTransferred.Add(float64(credit.MinutesDelta))
	m.TransferSize.Observe(float64(credit.MinutesDelta))
	return nil
}

// OnTransferRejected implements plugin.OnTransferRejected.
func (m *MetricsExtension) OnTransferRejected(_ context.Context, _, _ id.AccountID, _ int64, _ error) error {
	m.TransfersRejected.Inc()
	return nil
}

// OnMinutesPurchased implements plugin.OnMinutesPurchased.
func (m *MetricsExtension) OnMinutesPurchased(_ context.Context, e *entry.Entry) error {
	m.Purchases.Inc()
	m.MinutesPurchased.Add(float64(e.MinutesDelta))
	return nil
}

// OnMinutesGranted implements plugin.OnMinutesGranted.
func (m *MetricsExtension) OnMinutesGranted(_ context.Context, e *entry.Entry) error {
	m.Grants.Inc()
	m.MinutesGranted.Add(float64(e.MinutesDelta))
	return nil
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (m *MetricsExtension) OnPlanChanged(_ context.Context, _ *entry.Entry, _ string) error {
	m.PlanChanges.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageDeducted implements plugin.OnUsageDeducted.
func (m *MetricsExtension) OnUsageDeducted(_ context.Context, e *entry.Entry, exceeded bool) error {
	m.UsageDeductions.Inc()
	m.MinutesConsumed.Add(float64(-e.MinutesDelta))
	if exceeded {
		m.UsageOverLimit.Inc()
	}
	return nil
}

// OnLimitExceeded implements plugin.OnLimitExceeded.
func (m *MetricsExtension) OnLimitExceeded(_ context.Context, _ *allocation.Allocation) error {
	m.LimitExceeded.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Pricing and reconciliation hooks
// ──────────────────────────────────────────────────

// OnPricingUpdated implements plugin.OnPricingUpdated.
func (m *MetricsExtension) OnPricingUpdated(_ context.Context, _ *pricing.Config) error {
	m.PricingUpdates.Inc()
	return nil
}

// OnPartialFailure implements plugin.OnPartialFailure.
func (m *MetricsExtension) OnPartialFailure(_ context.Context, _ string, _ id.CorrelationID, compensated bool, _ error) error {
	if compensated {
		m.PartialCompensated.Inc()
	} else {
		m.PartialUncompensated.Inc()
	}
	return nil
}
