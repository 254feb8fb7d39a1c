package minutes

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/store"
)

// commit applies b all-or-nothing. Backends implementing store.Committer do
// it natively; otherwise b runs as a saga over the fine-grained port and any
// half-applied state is compensated before returning.
func (e *Engine) commit(ctx context.Context, op string, corr id.CorrelationID, b *store.Batch) error {
	if c, ok := e.store.(store.Committer); ok {
		if err := c.Commit(ctx, b); err != nil {
			return classifyCommit(op, b, err)
		}
		return nil
	}
	return e.saga(ctx, op, corr, b)
}

// classifyCommit maps a store error from a write that applied nothing.
func classifyCommit(op string, b *store.Batch, err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		ce := &ConflictError{}
		if len(b.Allocations) > 0 {
			ce.AccountID = b.Allocations[0].Allocation.AccountID
			ce.Expected = b.Allocations[0].ExpectedVersion
		}
		return ce
	case errors.Is(err, ErrDuplicateEntry), errors.Is(err, ErrAccountNotFound):
		return err
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

type appliedWrite struct {
	before *allocation.Allocation
	after  *allocation.Allocation
}

// saga writes allocations first, then entries, one at a time.
func (e *Engine) saga(ctx context.Context, op string, corr id.CorrelationID, b *store.Batch) error {
	var (
		done     []appliedWrite
		appended []*entry.Entry
	)

	fail := func(cause error) error {
		if len(done) == 0 && len(appended) == 0 {
			return classifyCommit(op, b, cause)
		}
		return e.compensate(ctx, op, corr, b, done, appended, cause)
	}

	for _, w := range b.Allocations {
		before, err := e.store.GetAllocation(ctx, w.Allocation.AccountID)
		if err != nil {
			return fail(err)
		}
		if before.Version != w.ExpectedVersion {
			return fail(ErrConflict)
		}
		if err := e.store.UpsertAllocation(ctx, w.Allocation, w.ExpectedVersion); err != nil {
			return fail(err)
		}
		done = append(done, appliedWrite{before: before, after: w.Allocation.Clone()})
	}

	for _, en := range b.Entries {
		if err := e.store.AppendEntry(ctx, en); err != nil {
			return fail(err)
		}
		appended = append(appended, en)
	}
	return nil
}

// compensate reverts a half-applied batch. Reverted allocation writes apply
// the inverse delta to the current row so concurrent usage is kept. Applied
// entries get a reversal entry; planned entries that never landed are
// recorded as compensated so the attempt stays visible in the ledger.
func (e *Engine) compensate(ctx context.Context, op string, corr id.CorrelationID, b *store.Batch,
	done []appliedWrite, appended []*entry.Entry, cause error,
) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	for i := len(done) - 1; i >= 0; i-- {
		if err := e.revertAllocation(ctx, done[i]); err != nil {
			errs = append(errs, err)
		}
	}

	now := e.now()
	landed := make(map[*entry.Entry]bool, len(appended))
	for _, en := range appended {
		landed[en] = true
		if err := e.store.AppendEntry(ctx, en.Compensation(now)); err != nil {
			errs = append(errs, fmt.Errorf("reverse entry %s: %w", en.ID, err))
		}
	}
	if len(errs) == 0 {
		for _, en := range b.Entries {
			if landed[en] {
				continue
			}
			rec := *en
			rec.ID = id.NewEntryID()
			rec.Status = entry.StatusCompensated
			rec.Metadata = withMeta(en.Metadata, "rolled_back_key", en.IdempotencyKey)
			rec.IdempotencyKey = ""
			rec.Note = "rolled back: " + errString(cause)
			if err := e.store.AppendEntry(ctx, &rec); err != nil {
				errs = append(errs, fmt.Errorf("record rollback of %s: %w", en.ID, err))
			}
		}
	}

	if len(errs) == 0 {
		e.logger.Warn("partial write compensated",
			"op", op,
			"correlation_id", corr.String(),
			"error", cause,
		)
		e.plugins.EmitPartialFailure(ctx, op, corr, true, cause)
		if errors.Is(cause, ErrDuplicateEntry) {
			return cause
		}
		return &PartialFailureError{Operation: op, CorrelationID: corr, Compensated: true, Cause: cause}
	}

	compErr := errors.Join(errs...)
	for _, en := range b.Entries {
		rec := *en
		rec.ID = id.NewEntryID()
		rec.Status = entry.StatusFailed
		rec.IdempotencyKey = entry.FailureKey(en.IdempotencyKey)
		rec.Note = "compensation failed: " + compErr.Error()
		rec.CreatedAt = now
		_ = e.store.AppendEntry(ctx, &rec) //nolint:errcheck // best-effort marker; escalation below is authoritative
	}

	e.logger.Error("partial write NOT compensated, manual reconciliation required",
		"op", op,
		"correlation_id", corr.String(),
		"error", cause,
		"compensation_error", compErr,
	)
	e.plugins.EmitPartialFailure(ctx, op, corr, false, cause)

	return &PartialFailureError{
		Operation:     op,
		CorrelationID: corr,
		Compensated:   false,
		Cause:         cause,
		CompensateErr: compErr,
	}
}

// revertAllocation subtracts what a saga write added, retrying on conflict.
func (e *Engine) revertAllocation(ctx context.Context, w appliedWrite) error {
	dLimit := w.after.Limit - w.before.Limit
	dUsed := w.after.Used - w.before.Used

	for attempt := 0; attempt <= e.maxConflictRetries; attempt++ {
		cur, err := e.store.GetAllocation(ctx, w.after.AccountID)
		if err != nil {
			return fmt.Errorf("revert %s: %w", w.after.AccountID, err)
		}
		next := cur.Clone()
		next.Limit -= dLimit
		next.Used -= dUsed
		if cur.PlanKey == w.after.PlanKey {
			next.PlanKey = w.before.PlanKey
		}
		next.Touch(e.now())

		err = e.store.UpsertAllocation(ctx, next, cur.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return fmt.Errorf("revert %s: %w", w.after.AccountID, err)
		}
	}
	return fmt.Errorf("revert %s: %w", w.after.AccountID, ErrConflict)
}

// withRetry re-runs fn after version conflicts, up to maxConflictRetries.
// fn must re-read state on every attempt.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			return err
		}
		if attempt > e.maxConflictRetries {
			ce.Attempts = attempt
			return ce
		}
		e.logger.Warn("retrying after version conflict",
			"op", op,
			"account_id", ce.AccountID.String(),
			"attempt", attempt,
		)
	}
}

func withMeta(m map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(m)+len(kv)/2)
	for k, v := range m {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
