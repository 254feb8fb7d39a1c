package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountOpened = "account.opened"
	ActionPlanChanged   = "account.plan_changed"

	// Transfer actions
	ActionTransferCompleted = "transfer.completed"
	ActionTransferRejected  = "transfer.rejected"

	// Minutes actions
	ActionMinutesPurchased = "minutes.purchased"
	ActionMinutesGranted   = "minutes.granted"

	// Usage actions
	ActionUsageDeducted = "usage.deducted"
	ActionLimitExceeded = "usage.limit_exceeded"

	// Pricing actions
	ActionPricingUpdated = "pricing.updated"

	// Reconciliation actions
	ActionPartialFailure = "ledger.partial_failure"
)

// Resource constants for audit events.
const (
	ResourceAllocation = "allocation"
	ResourceTransfer   = "transfer"
	ResourceEntry      = "entry"
	ResourcePricing    = "pricing"
)

// Category constants for audit events.
const (
	CategoryQuota          = "quota"
	CategoryBilling        = "billing"
	CategoryUsage          = "usage"
	CategoryReconciliation = "reconciliation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
