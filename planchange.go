package minutes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/store"
)

// PlanChangeResult is the outcome of a plan switch.
type PlanChangeResult struct {
	AccountID     id.AccountID           `json:"account_id"`
	PlanKey       string                 `json:"plan_key"`
	PreviousLimit int64                  `json:"previous_limit"`
	PreviousUsed  int64                  `json:"previous_used"`
	Allocation    *allocation.Allocation `json:"allocation"`
	Entry         *entry.Entry           `json:"entry"`

	// Check is set when the change was validated against the tenant pool.
	Check *PoolCheck `json:"check,omitempty"`
}

// ChangePlanTo switches accountID to the plan with planKey, looking it up
// in the account's tenant first and then in the root catalog.
func (e *Engine) ChangePlanTo(ctx context.Context, accountID id.AccountID, planKey string) (*PlanChangeResult, error) {
	key := plan.NormalizeKey(planKey)
	if key == "" {
		return nil, ValidationError{Field: "plan_key", Message: "is required"}
	}
	a, err := getAllocation(ctx, e.store, accountID)
	if err != nil {
		return nil, err
	}
	p, err := e.lookupPlan(ctx, a.Tenant, key)
	if err != nil {
		return nil, err
	}
	return e.ChangePlan(ctx, accountID, p.Key, p.LimitMinutes())
}

func (e *Engine) lookupPlan(ctx context.Context, tenant, key string) (*plan.Plan, error) {
	tenants := []string{tenant, ""}
	if tenant == "" {
		tenants = tenants[1:]
	}
	for _, t := range tenants {
		p, err := e.store.GetPlan(ctx, t, key)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return nil, &PersistenceError{Op: "get plan", Err: err}
		}
	}
	return nil, ValidationError{Field: "plan_key", Message: fmt.Sprintf("unknown plan %q", key)}
}

// ChangePlan sets accountID's limit to planMinutes (0 for unlimited and
// pay-as-you-go plans), resets used to zero and records the reset.
//
// By default the tenant pool is not consulted. With
// WithEnforcePoolOnPlanChange, a whitelabel customer's new limit must fit
// its admin's pool and a whitelabel admin's new cap must cover what its
// customers hold.
func (e *Engine) ChangePlan(ctx context.Context, accountID id.AccountID, planKey string, planMinutes int64) (_ *PlanChangeResult, err error) {
	key := plan.NormalizeKey(planKey)
	switch {
	case accountID.IsNil():
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	case key == "":
		return nil, ValidationError{Field: "plan_key", Message: "is required"}
	case planMinutes < 0:
		return nil, ValidationError{Field: "plan_minutes", Message: "must not be negative, got " + strconv.FormatInt(planMinutes, 10)}
	}

	ctx, span := e.startSpan(ctx, "change_plan",
		attribute.String("minutes.account_id", accountID.String()),
		attribute.String("minutes.plan_key", key),
		attribute.Int64("minutes.minutes", planMinutes),
	)
	defer func() { endSpan(span, err) }()

	a, err := getAllocation(ctx, e.store, accountID)
	if err != nil {
		return nil, err
	}

	var res *PlanChangeResult
	apply := func(ctx context.Context) error {
		return e.withRetry(ctx, "change_plan", func(ctx context.Context) error {
			var ierr error
			res, ierr = e.changePlanOnce(ctx, accountID, key, planMinutes)
			return ierr
		})
	}
	if a.Account().IsRoot() {
		err = apply(ctx)
	} else {
		err = e.serializeTenant(ctx, a.Tenant, apply)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("plan changed",
		"account_id", accountID.String(),
		"plan_key", key,
		"limit", planMinutes,
		"previous_limit", res.PreviousLimit,
		"previous_used", res.PreviousUsed,
	)
	e.plugins.EmitPlanChanged(ctx, res.Entry, key)
	return res, nil
}

func (e *Engine) changePlanOnce(ctx context.Context, accountID id.AccountID, key string, planMinutes int64) (*PlanChangeResult, error) {
	a, err := getAllocation(ctx, e.store, accountID)
	if err != nil {
		return nil, err
	}
	res := &PlanChangeResult{
		AccountID:     accountID,
		PlanKey:       key,
		PreviousLimit: a.Limit,
		PreviousUsed:  a.Used,
	}

	batch := &store.Batch{}
	if e.enforcePoolOnPlanChange {
		guard, check, err := e.planPoolGuard(ctx, a, planMinutes)
		if err != nil {
			return nil, err
		}
		res.Check = check
		if guard != nil {
			batch.Allocations = append(batch.Allocations, *guard)
		}
	}

	now := e.now().UTC()
	expected := a.Version
	a.Limit = planMinutes
	a.Used = 0
	a.PlanKey = key
	a.Touch(now)

	en := &entry.Entry{
		ID:           id.NewEntryID(),
		AccountID:    a.AccountID,
		Tenant:       a.Tenant,
		Kind:         entry.KindManualGrant,
		MinutesDelta: planMinutes,
		Amount:       e.noCharge(),
		Status:       entry.StatusApplied,
		LimitAfter:   a.Limit,
		UsedAfter:    a.Used,
		Note:         "plan change to " + key,
		Metadata: map[string]string{
			"reason":         "plan_change",
			"plan_key":       key,
			"previous_limit": strconv.FormatInt(res.PreviousLimit, 10),
			"previous_used":  strconv.FormatInt(res.PreviousUsed, 10),
		},
		CreatedAt: now,
	}

	batch.Allocations = append([]store.AllocationWrite{{Allocation: a, ExpectedVersion: expected}}, batch.Allocations...)
	batch.Entries = []*entry.Entry{en}
	if err := e.commit(ctx, "change_plan", id.Nil, batch); err != nil {
		return nil, err
	}

	res.Allocation = a
	res.Entry = en
	return res, nil
}

// planPoolGuard validates a plan change against the tenant pool. For a
// whitelabel customer it returns a version-checked touch of the admin row
// so a concurrent transfer cannot interleave with the change.
func (e *Engine) planPoolGuard(ctx context.Context, a *allocation.Allocation, planMinutes int64) (*store.AllocationWrite, *PoolCheck, error) {
	acct := a.Account()
	switch {
	case acct.IsWhitelabelCustomer():
		admin, err := e.store.GetTenantAdmin(ctx, a.Tenant)
		if err != nil {
			if errors.Is(err, ErrAdminNotFound) {
				return nil, nil, fmt.Errorf("%w: tenant %s", ErrAdminNotFound, a.Tenant)
			}
			return nil, nil, &PersistenceError{Op: "get tenant admin", Err: err}
		}
		check, err := evaluateStored(ctx, e.store, admin, planMinutes, a.AccountID)
		if err != nil {
			return nil, nil, err
		}
		if !check.Allowed {
			return nil, &check, check.Rejection(planMinutes)
		}
		return touch(admin, e.now().UTC()), &check, nil

	case acct.IsWhitelabelAdmin() && planMinutes != allocation.Unlimited:
		if err := e.checkCapping(ctx, a, planMinutes); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

// touch rewrites a row unchanged so its version moves.
func touch(a *allocation.Allocation, now time.Time) *store.AllocationWrite {
	expected := a.Version
	a.Touch(now)
	return &store.AllocationWrite{Allocation: a, ExpectedVersion: expected}
}
