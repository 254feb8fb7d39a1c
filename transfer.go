package minutes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/store"
	"github.com/xraph/minutes/types"
)

// TransferRequest moves Minutes of a whitelabel admin's pool to one of its
// customers.
type TransferRequest struct {
	AdminID    id.AccountID
	CustomerID id.AccountID
	Minutes    int64

	// CorrelationID makes the request idempotent. A nil ID gets a fresh one.
	CorrelationID id.CorrelationID

	// Amount is the sale price when the transfer is a delegated purchase.
	Amount   types.Money
	Note     string
	Metadata map[string]string
}

// TransferResult is the committed (or replayed) outcome of a transfer.
type TransferResult struct {
	CorrelationID id.CorrelationID       `json:"correlation_id"`
	Debit         *entry.Entry           `json:"debit"`
	Credit        *entry.Entry           `json:"credit"`
	Admin         *allocation.Allocation `json:"admin"`
	Customer      *allocation.Allocation `json:"customer"`
	Check         PoolCheck              `json:"check"`
	Replayed      bool                   `json:"replayed"`
}

// AllocateForCustomer transfers minutes from adminID's pool to customerID.
func (e *Engine) AllocateForCustomer(ctx context.Context, adminID, customerID id.AccountID, minutes int64) (*TransferResult, error) {
	return e.Transfer(ctx, TransferRequest{
		AdminID:    adminID,
		CustomerID: customerID,
		Minutes:    minutes,
	})
}

// Transfer raises the customer's limit and the admin's used count by
// req.Minutes and records the paired debit and credit entries, atomically.
// It runs as the single writer of the admin's tenant pool.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (_ *TransferResult, err error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	if req.CorrelationID.IsNil() {
		req.CorrelationID = id.NewCorrelationID()
	}
	if req.Amount.Currency == "" {
		req.Amount = e.noCharge()
	}

	ctx, span := e.startSpan(ctx, "transfer",
		attribute.String("minutes.admin_id", req.AdminID.String()),
		attribute.String("minutes.customer_id", req.CustomerID.String()),
		attribute.String("minutes.correlation_id", req.CorrelationID.String()),
		attribute.Int64("minutes.minutes", req.Minutes),
	)
	defer func() { endSpan(span, err) }()

	if res, ok, err := e.replayTransfer(ctx, req); ok || err != nil {
		return res, err
	}

	admin, err := getAllocation(ctx, e.store, req.AdminID)
	if err != nil {
		return nil, err
	}
	if !admin.Account().IsWhitelabelAdmin() {
		return nil, fmt.Errorf("%w: %s is not a whitelabel admin", ErrForbidden, req.AdminID)
	}

	var res *TransferResult
	err = e.serializeTenant(ctx, admin.Tenant, func(ctx context.Context) error {
		var ierr error
		res, ierr = e.transferLocked(ctx, req)
		return ierr
	})
	if err != nil {
		if IsQuotaError(err) {
			e.logger.Warn("transfer rejected",
				"admin_id", req.AdminID.String(),
				"customer_id", req.CustomerID.String(),
				"minutes", req.Minutes,
				"error", err,
			)
			e.plugins.EmitTransferRejected(ctx, req.AdminID, req.CustomerID, req.Minutes, err)
		}
		return nil, err
	}

	if !res.Replayed {
		e.logger.Debug("transfer committed",
			"correlation_id", res.CorrelationID.String(),
			"admin_id", req.AdminID.String(),
			"customer_id", req.CustomerID.String(),
			"minutes", req.Minutes,
			"customer_limit", res.Customer.Limit,
			"admin_used", res.Admin.Used,
		)
		e.plugins.EmitTransferCompleted(ctx, res.Debit, res.Credit)
	}
	return res, nil
}

// transferLocked validates and commits under the tenant lane. Every retry
// reads fresh rows and re-runs the pool check.
func (e *Engine) transferLocked(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var res *TransferResult
	err := e.withRetry(ctx, "transfer", func(ctx context.Context) error {
		if prior, ok, err := e.replayTransfer(ctx, req); ok || err != nil {
			res = prior
			return err
		}

		admin, err := getAllocation(ctx, e.store, req.AdminID)
		if err != nil {
			return err
		}
		customer, err := getAllocation(ctx, e.store, req.CustomerID)
		if err != nil {
			return err
		}
		if customer.Tenant != admin.Tenant || customer.IsAdmin() {
			return fmt.Errorf("%w: %s is not a customer of tenant %s", ErrForbidden, req.CustomerID, admin.Tenant)
		}

		newLimit, err := addMinutes("minutes", customer.Limit, req.Minutes)
		if err != nil {
			return err
		}
		newUsed, err := addMinutes("minutes", admin.Used, req.Minutes)
		if err != nil {
			return err
		}

		check, err := evaluateStored(ctx, e.store, admin, newLimit, customer.AccountID)
		if err != nil {
			return err
		}
		if !check.Allowed {
			return check.Rejection(req.Minutes)
		}

		now := e.now().UTC()
		adminVersion, customerVersion := admin.Version, customer.Version

		customer.Limit = newLimit
		customer.Touch(now)
		admin.Used = newUsed
		admin.Touch(now)

		meta := withMeta(req.Metadata,
			"admin_id", req.AdminID.String(),
			"customer_id", req.CustomerID.String(),
		)
		debit := &entry.Entry{
			ID:             id.NewEntryID(),
			AccountID:      admin.AccountID,
			Tenant:         admin.Tenant,
			Kind:           entry.KindTransferDebit,
			MinutesDelta:   -req.Minutes,
			Amount:         req.Amount,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: entry.TransferKey(req.CorrelationID, entry.SideDebit),
			Status:         entry.StatusApplied,
			LimitAfter:     admin.Limit,
			UsedAfter:      admin.Used,
			Note:           req.Note,
			Metadata:       meta,
			CreatedAt:      now,
		}
		credit := &entry.Entry{
			ID:             id.NewEntryID(),
			AccountID:      customer.AccountID,
			Tenant:         customer.Tenant,
			Kind:           entry.KindTransferCredit,
			MinutesDelta:   req.Minutes,
			Amount:         req.Amount,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: entry.TransferKey(req.CorrelationID, entry.SideCredit),
			Status:         entry.StatusApplied,
			LimitAfter:     customer.Limit,
			UsedAfter:      customer.Used,
			Note:           req.Note,
			Metadata:       meta,
			CreatedAt:      now,
		}

		err = e.commit(ctx, "transfer", req.CorrelationID, &store.Batch{
			Allocations: []store.AllocationWrite{
				{Allocation: customer, ExpectedVersion: customerVersion},
				{Allocation: admin, ExpectedVersion: adminVersion},
			},
			Entries: []*entry.Entry{debit, credit},
		})
		if errors.Is(err, ErrDuplicateEntry) && !IsPartialFailure(err) {
			prior, ok, rerr := e.replayTransfer(ctx, req)
			if rerr == nil && !ok {
				return &PersistenceError{Op: "transfer", Err: err}
			}
			res = prior
			return rerr
		}
		if err != nil {
			return err
		}

		res = &TransferResult{
			CorrelationID: req.CorrelationID,
			Debit:         debit,
			Credit:        credit,
			Admin:         admin,
			Customer:      customer,
			Check:         check,
		}
		return nil
	})
	return res, err
}

// replayTransfer returns the prior outcome for req.CorrelationID, if any.
func (e *Engine) replayTransfer(ctx context.Context, req TransferRequest) (*TransferResult, bool, error) {
	debitKey := entry.TransferKey(req.CorrelationID, entry.SideDebit)
	debit, found, err := e.findEntry(ctx, debitKey)
	if err != nil || !found {
		return nil, false, err
	}

	if _, reversed, err := e.findEntry(ctx, entry.CompensationKey(debitKey)); err != nil {
		return nil, true, err
	} else if reversed {
		return nil, true, &PartialFailureError{
			Operation:     "transfer",
			CorrelationID: req.CorrelationID,
			Compensated:   true,
			Cause:         fmt.Errorf("transfer %s was rolled back", req.CorrelationID),
		}
	}

	credit, found, err := e.findEntry(ctx, entry.TransferKey(req.CorrelationID, entry.SideCredit))
	if err != nil {
		return nil, true, err
	}
	if !found {
		return nil, true, &PartialFailureError{
			Operation:     "transfer",
			CorrelationID: req.CorrelationID,
			Compensated:   false,
			Cause:         fmt.Errorf("transfer %s has a debit without a credit", req.CorrelationID),
		}
	}

	if debit.AccountID != req.AdminID || credit.AccountID != req.CustomerID || credit.MinutesDelta != req.Minutes {
		return nil, true, ValidationError{
			Field:   "correlation_id",
			Message: "already used by a different transfer",
		}
	}

	admin, err := getAllocation(ctx, e.store, debit.AccountID)
	if err != nil {
		return nil, true, err
	}
	customer, err := getAllocation(ctx, e.store, credit.AccountID)
	if err != nil {
		return nil, true, err
	}

	e.logger.Debug("transfer replayed", "correlation_id", req.CorrelationID.String())
	return &TransferResult{
		CorrelationID: req.CorrelationID,
		Debit:         debit,
		Credit:        credit,
		Admin:         admin,
		Customer:      customer,
		Check:         PoolCheck{Allowed: true, AdminID: admin.AccountID, AdminLimit: admin.Limit, Proposed: customer.Limit},
		Replayed:      true,
	}, true, nil
}

// findEntry looks up an idempotency key, mapping not-found to found=false.
func (e *Engine) findEntry(ctx context.Context, key string) (*entry.Entry, bool, error) {
	en, err := e.store.FindEntryByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return en, true, nil
	case errors.Is(err, ErrEntryNotFound):
		return nil, false, nil
	default:
		return nil, false, &PersistenceError{Op: "find entry", Err: err}
	}
}

func validateTransfer(req TransferRequest) error {
	switch {
	case req.AdminID.IsNil():
		return ValidationError{Field: "admin_id", Message: "is required"}
	case req.CustomerID.IsNil():
		return ValidationError{Field: "customer_id", Message: "is required"}
	case req.AdminID == req.CustomerID:
		return ValidationError{Field: "customer_id", Message: "must differ from admin_id"}
	case req.Minutes <= 0:
		return ValidationError{Field: "minutes", Message: "must be positive, got " + strconv.FormatInt(req.Minutes, 10)}
	}
	return nil
}
