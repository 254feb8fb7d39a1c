package minutes

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/store"
)

// UsageResult is the outcome of a usage deduction.
type UsageResult struct {
	AccountID     id.AccountID `json:"account_id"`
	SessionID     string       `json:"session_id"`
	Minutes       int64        `json:"minutes"`
	NewUsed       int64        `json:"new_used"`
	Limit         int64        `json:"limit"`
	Remaining     int64        `json:"remaining"`
	ExceededLimit bool         `json:"exceeded_limit"`
	Replayed      bool         `json:"replayed"`
	EntryID       id.EntryID   `json:"entry_id"`
}

// BillableMinutes converts a call duration to billed minutes, rounding
// every started minute up. Non-positive durations bill nothing.
func BillableMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// DeductUsageSeconds bills a call of the given duration.
func (e *Engine) DeductUsageSeconds(ctx context.Context, accountID id.AccountID, sessionID string, seconds int64) (*UsageResult, error) {
	if seconds < 0 {
		return nil, ValidationError{Field: "seconds", Message: "must not be negative, got " + strconv.FormatInt(seconds, 10)}
	}
	return e.DeductUsage(ctx, accountID, sessionID, BillableMinutes(seconds))
}

// DeductUsage records minutesConsumed against accountID once per session.
// Usage is never blocked: going past the limit is reported in the result
// for the caller to act on. A repeated session returns the first result.
func (e *Engine) DeductUsage(ctx context.Context, accountID id.AccountID, sessionID string, minutesConsumed int64) (_ *UsageResult, err error) {
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case accountID.IsNil():
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	case sessionID == "":
		return nil, ValidationError{Field: "session_id", Message: "is required"}
	case minutesConsumed < 0:
		return nil, ValidationError{Field: "minutes", Message: "must not be negative, got " + strconv.FormatInt(minutesConsumed, 10)}
	}

	key := entry.UsageKey(sessionID)
	if cached, ok := e.cachedUsage(key, accountID); ok {
		return cached, nil
	}

	ctx, span := e.startSpan(ctx, "deduct_usage",
		attribute.String("minutes.account_id", accountID.String()),
		attribute.String("minutes.session_id", sessionID),
		attribute.Int64("minutes.minutes", minutesConsumed),
	)
	defer func() { endSpan(span, err) }()

	var (
		res        *UsageResult
		applied    *entry.Entry
		after      *allocation.Allocation
		wasOverCap bool
	)
	err = e.lanes.do(ctx, accountLane(accountID.String()), func(ctx context.Context) error {
		return e.withRetry(ctx, "deduct_usage", func(ctx context.Context) error {
			if prior, ok, err := e.findEntry(ctx, key); err != nil {
				return err
			} else if ok {
				res, err = replayUsage(prior, accountID, sessionID)
				return err
			}

			a, err := getAllocation(ctx, e.store, accountID)
			if err != nil {
				return err
			}
			wasOverCap = a.Exceeded()
			newUsed, err := addMinutes("minutes", a.Used, minutesConsumed)
			if err != nil {
				return err
			}

			now := e.now().UTC()
			expected := a.Version
			a.Used = newUsed
			a.Touch(now)

			en := &entry.Entry{
				ID:             id.NewEntryID(),
				AccountID:      a.AccountID,
				Tenant:         a.Tenant,
				Kind:           entry.KindUsageDeduction,
				MinutesDelta:   -minutesConsumed,
				Amount:         e.noCharge(),
				IdempotencyKey: key,
				Status:         entry.StatusApplied,
				LimitAfter:     a.Limit,
				UsedAfter:      a.Used,
				Metadata:       map[string]string{"session_id": sessionID},
				CreatedAt:      now,
			}

			err = e.commit(ctx, "deduct_usage", id.Nil, &store.Batch{
				Allocations: []store.AllocationWrite{{Allocation: a, ExpectedVersion: expected}},
				Entries:     []*entry.Entry{en},
			})
			if errors.Is(err, ErrDuplicateEntry) && !IsPartialFailure(err) {
				prior, ok, ferr := e.findEntry(ctx, key)
				if ferr != nil || !ok {
					return &PersistenceError{Op: "deduct usage", Err: err}
				}
				res, err = replayUsage(prior, accountID, sessionID)
				return err
			}
			if err != nil {
				return err
			}

			applied, after = en, a
			res = &UsageResult{
				AccountID:     a.AccountID,
				SessionID:     sessionID,
				Minutes:       minutesConsumed,
				NewUsed:       a.Used,
				Limit:         a.Limit,
				Remaining:     a.Remaining(),
				ExceededLimit: a.Exceeded(),
				EntryID:       en.ID,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if e.recent != nil {
		cached := *res
		cached.Replayed = true
		e.recent.Add(key, cached)
	}

	if applied != nil {
		e.logger.Debug("usage deducted",
			"account_id", accountID.String(),
			"session_id", sessionID,
			"minutes", minutesConsumed,
			"used", res.NewUsed,
			"limit", res.Limit,
			"exceeded", res.ExceededLimit,
		)
		e.plugins.EmitUsageDeducted(ctx, applied, res.ExceededLimit)
		if res.ExceededLimit && !wasOverCap {
			e.logger.Warn("usage limit exceeded",
				"account_id", accountID.String(),
				"used", res.NewUsed,
				"limit", res.Limit,
			)
			e.plugins.EmitLimitExceeded(ctx, after)
		}
	}
	return res, nil
}

func (e *Engine) cachedUsage(key string, accountID id.AccountID) (*UsageResult, bool) {
	if e.recent == nil {
		return nil, false
	}
	cached, ok := e.recent.Get(key)
	if !ok || cached.AccountID != accountID {
		return nil, false
	}
	return &cached, true
}

// replayUsage rebuilds a result from the session's recorded entry.
func replayUsage(prior *entry.Entry, accountID id.AccountID, sessionID string) (*UsageResult, error) {
	if prior.AccountID != accountID {
		return nil, ValidationError{Field: "session_id", Message: "already recorded for another account"}
	}
	snapshot := &allocation.Allocation{Limit: prior.LimitAfter, Used: prior.UsedAfter}
	return &UsageResult{
		AccountID:     prior.AccountID,
		SessionID:     sessionID,
		Minutes:       -prior.MinutesDelta,
		NewUsed:       prior.UsedAfter,
		Limit:         prior.LimitAfter,
		Remaining:     snapshot.Remaining(),
		ExceededLimit: snapshot.Exceeded(),
		Replayed:      true,
		EntryID:       prior.ID,
	}, nil
}
