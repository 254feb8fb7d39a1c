package minutes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/store"
	"github.com/xraph/minutes/types"
)

// OpenAccount creates the allocation (limit 0, used 0) of a new account.
// A whitelabel tenant has exactly one admin.
func (e *Engine) OpenAccount(ctx context.Context, acct account.Account) (*allocation.Allocation, error) {
	switch {
	case acct.ID.IsNil():
		return nil, ValidationError{Field: "id", Message: "is required"}
	case !acct.Role.Valid():
		return nil, ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", acct.Role)}
	}

	a := allocation.New(acct)
	a.Entity = types.EntityAt(e.now().UTC())

	open := func(ctx context.Context) error {
		if acct.IsWhitelabelAdmin() {
			_, err := e.store.GetTenantAdmin(ctx, a.Tenant)
			switch {
			case err == nil:
				return fmt.Errorf("%w: tenant %s already has an admin", ErrAlreadyExists, a.Tenant)
			case !errors.Is(err, ErrAdminNotFound):
				return &PersistenceError{Op: "get tenant admin", Err: err}
			}
		}
		if err := e.store.UpsertAllocation(ctx, a, 0); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return fmt.Errorf("%w: account %s", ErrAlreadyExists, acct.ID)
			}
			return &PersistenceError{Op: "open account", Err: err}
		}
		return nil
	}

	var err error
	if acct.IsRoot() {
		err = open(ctx)
	} else {
		err = e.serializeTenant(ctx, a.Tenant, open)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("account opened",
		"account_id", acct.ID.String(),
		"tenant", a.Tenant,
		"role", string(a.Role),
	)
	e.plugins.EmitAccountOpened(ctx, a)
	return a.Clone(), nil
}

// GrantRequest adds minutes to an account without a charge.
type GrantRequest struct {
	AccountID id.AccountID
	Minutes   int64

	// Reference makes the grant idempotent when set.
	Reference string
	Note      string
}

// GrantResult is the outcome of a manual grant.
type GrantResult struct {
	Allocation *allocation.Allocation `json:"allocation"`
	Entry      *entry.Entry           `json:"entry"`
	Check      *PoolCheck             `json:"check,omitempty"`
	Replayed   bool                   `json:"replayed"`
}

// GrantMinutes raises an account's limit by req.Minutes. Grants to a
// whitelabel customer come out of its admin's pool and are validated like
// a transfer.
func (e *Engine) GrantMinutes(ctx context.Context, req GrantRequest) (_ *GrantResult, err error) {
	switch {
	case req.AccountID.IsNil():
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	case req.Minutes <= 0:
		return nil, ValidationError{Field: "minutes", Message: "must be positive, got " + strconv.FormatInt(req.Minutes, 10)}
	}

	ctx, span := e.startSpan(ctx, "grant",
		attribute.String("minutes.account_id", req.AccountID.String()),
		attribute.Int64("minutes.minutes", req.Minutes),
	)
	defer func() { endSpan(span, err) }()

	a, err := getAllocation(ctx, e.store, req.AccountID)
	if err != nil {
		return nil, err
	}

	var res *GrantResult
	apply := func(ctx context.Context) error {
		return e.withRetry(ctx, "grant", func(ctx context.Context) error {
			var ierr error
			res, ierr = e.grantOnce(ctx, req)
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

	if !res.Replayed {
		e.logger.Info("minutes granted",
			"account_id", req.AccountID.String(),
			"minutes", req.Minutes,
			"limit", res.Allocation.Limit,
		)
		e.plugins.EmitMinutesGranted(ctx, res.Entry)
	}
	return res, nil
}

func (e *Engine) grantOnce(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	var key string
	if req.Reference != "" {
		key = entry.GrantKey(req.Reference)
		if prior, ok, err := e.findEntry(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return e.replayGrant(ctx, req, prior)
		}
	}

	a, err := getAllocation(ctx, e.store, req.AccountID)
	if err != nil {
		return nil, err
	}

	newLimit, err := addMinutes("minutes", a.Limit, req.Minutes)
	if err != nil {
		return nil, err
	}

	res := &GrantResult{}
	batch := &store.Batch{}
	acct := a.Account()
	switch {
	case acct.IsWhitelabelCustomer():
		admin, err := e.store.GetTenantAdmin(ctx, a.Tenant)
		if err != nil {
			if errors.Is(err, ErrAdminNotFound) {
				return nil, fmt.Errorf("%w: tenant %s", ErrAdminNotFound, a.Tenant)
			}
			return nil, &PersistenceError{Op: "get tenant admin", Err: err}
		}
		check, err := evaluateStored(ctx, e.store, admin, newLimit, a.AccountID)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, check.Rejection(req.Minutes)
		}
		res.Check = &check
		batch.Allocations = append(batch.Allocations, *touch(admin, e.now().UTC()))

	case acct.IsWhitelabelAdmin() && a.IsUnlimited():
		if err := e.checkCapping(ctx, a, newLimit); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	expected := a.Version
	a.Limit = newLimit
	a.Touch(now)

	en := &entry.Entry{
		ID:             id.NewEntryID(),
		AccountID:      a.AccountID,
		Tenant:         a.Tenant,
		Kind:           entry.KindManualGrant,
		MinutesDelta:   req.Minutes,
		Amount:         e.noCharge(),
		IdempotencyKey: key,
		Status:         entry.StatusApplied,
		LimitAfter:     a.Limit,
		UsedAfter:      a.Used,
		Note:           req.Note,
		Metadata:       withMeta(nil, "reason", "manual", "reference", req.Reference),
		CreatedAt:      now,
	}

	batch.Allocations = append([]store.AllocationWrite{{Allocation: a, ExpectedVersion: expected}}, batch.Allocations...)
	batch.Entries = []*entry.Entry{en}
	err = e.commit(ctx, "grant", id.Nil, batch)
	if errors.Is(err, ErrDuplicateEntry) && !IsPartialFailure(err) && key != "" {
		prior, ok, ferr := e.findEntry(ctx, key)
		if ferr != nil || !ok {
			return nil, &PersistenceError{Op: "grant", Err: err}
		}
		return e.replayGrant(ctx, req, prior)
	}
	if err != nil {
		return nil, err
	}

	res.Allocation = a
	res.Entry = en
	return res, nil
}

func (e *Engine) replayGrant(ctx context.Context, req GrantRequest, prior *entry.Entry) (*GrantResult, error) {
	if prior.AccountID != req.AccountID || prior.MinutesDelta != req.Minutes {
		return nil, ValidationError{Field: "reference", Message: "already used by a different grant"}
	}
	a, err := getAllocation(ctx, e.store, req.AccountID)
	if err != nil {
		return nil, err
	}
	return &GrantResult{Allocation: a, Entry: prior, Replayed: true}, nil
}

// Summary returns the account's quota view.
func (e *Engine) Summary(ctx context.Context, accountID id.AccountID) (allocation.Summary, error) {
	a, err := getAllocation(ctx, e.store, accountID)
	if err != nil {
		return allocation.Summary{}, err
	}
	return allocation.Summarize(a), nil
}

// TenantSummary returns the tenant admin's pool check with nothing proposed.
func (e *Engine) TenantSummary(ctx context.Context, tenant string) (*PoolCheck, error) {
	admin, err := e.store.GetTenantAdmin(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrAdminNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", ErrAdminNotFound, tenant)
		}
		return nil, &PersistenceError{Op: "get tenant admin", Err: err}
	}
	check, err := evaluateStored(ctx, e.store, admin, 0, id.Nil)
	if err != nil {
		return nil, err
	}
	check.Allowed = true
	check.Reason = ""
	return &check, nil
}

// History lists the account's ledger entries, newest first.
func (e *Engine) History(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = entry.DefaultListLimit
	}
	list, err := e.store.ListEntries(ctx, accountID, opts)
	if err != nil {
		return nil, &PersistenceError{Op: "list entries", Err: err}
	}
	return list, nil
}

// Correlated lists every entry sharing corr, oldest first.
func (e *Engine) Correlated(ctx context.Context, corr id.CorrelationID) ([]*entry.Entry, error) {
	list, err := e.store.ListEntriesByCorrelation(ctx, corr)
	if err != nil {
		return nil, &PersistenceError{Op: "list correlated entries", Err: err}
	}
	return list, nil
}

// noCharge is the zero amount in the default currency.
func (e *Engine) noCharge() types.Money {
	return types.Zero(e.catalog.Current().Fallback("").Currency)
}
