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
	"github.com/xraph/minutes/pricing"
	"github.com/xraph/minutes/store"
	"github.com/xraph/minutes/types"
)

// PurchaseRequest buys Minutes for AccountID at its pricing tenant's price.
type PurchaseRequest struct {
	AccountID id.AccountID
	Minutes   int64

	// CorrelationID makes the purchase idempotent. A nil ID gets a fresh one.
	CorrelationID id.CorrelationID
}

// PurchaseResult describes a committed purchase. Delegated purchases by
// whitelabel customers carry the underlying Transfer; direct ones carry
// Entry.
type PurchaseResult struct {
	AccountID       id.AccountID           `json:"account_id"`
	Minutes         int64                  `json:"minutes"`
	Amount          types.Money            `json:"amount"`
	Pricing         pricing.Config         `json:"pricing"`
	SnapshotVersion uint64                 `json:"snapshot_version"`
	Allocation      *allocation.Allocation `json:"allocation"`
	Entry           *entry.Entry           `json:"entry,omitempty"`
	Transfer        *TransferResult        `json:"transfer,omitempty"`
	Delegated       bool                   `json:"delegated"`
	Replayed        bool                   `json:"replayed"`
}

// Quote is a read-only price for a prospective purchase.
type Quote struct {
	AccountID       id.AccountID `json:"account_id"`
	PricingTenant   string       `json:"pricing_tenant"`
	Minutes         int64        `json:"minutes"`
	UnitPrice       types.Money  `json:"unit_price"`
	Amount          types.Money  `json:"amount"`
	MinimumPurchase int64        `json:"minimum_purchase"`
	BelowMinimum    bool         `json:"below_minimum"`

	// Stale is set when the fresh lookup failed or timed out and the
	// cached snapshot answered instead.
	Stale           bool   `json:"stale"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

// SelfPurchase buys minutes for accountID.
func (e *Engine) SelfPurchase(ctx context.Context, accountID id.AccountID, minutes int64) (*PurchaseResult, error) {
	return e.Purchase(ctx, PurchaseRequest{AccountID: accountID, Minutes: minutes})
}

// Purchase prices req with the current pricing snapshot and applies it.
// A whitelabel customer's purchase is a sale out of its admin's pool and
// runs as a Transfer; anyone else raises their own limit directly.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (_ *PurchaseResult, err error) {
	if req.AccountID.IsNil() {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}
	if req.Minutes <= 0 {
		return nil, ValidationError{Field: "minutes", Message: "must be positive, got " + strconv.FormatInt(req.Minutes, 10)}
	}
	if req.CorrelationID.IsNil() {
		req.CorrelationID = id.NewCorrelationID()
	}

	ctx, span := e.startSpan(ctx, "purchase",
		attribute.String("minutes.account_id", req.AccountID.String()),
		attribute.String("minutes.correlation_id", req.CorrelationID.String()),
		attribute.Int64("minutes.minutes", req.Minutes),
	)
	defer func() { endSpan(span, err) }()

	scope, err := e.ResolveScope(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	snap, err := e.commitSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	cfg, _ := snap.Lookup(scope.PricingTenant())
	if cfg.Below(req.Minutes) {
		return nil, ValidationError{
			Field:   "minutes",
			Message: fmt.Sprintf("minimum purchase is %d minutes, got %d", cfg.MinimumPurchase, req.Minutes),
		}
	}

	amount := cfg.Amount(req.Minutes)
	span.SetAttributes(
		attribute.String("minutes.pricing_tenant", cfg.Tenant),
		attribute.String("minutes.amount", amount.String()),
	)

	var res *PurchaseResult
	if scope.Delegated() {
		res, err = e.delegatedPurchase(ctx, scope, req, cfg, amount, snap.Version)
	} else {
		res, err = e.directPurchase(ctx, scope, req, cfg, amount, snap.Version)
	}
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		e.logger.Debug("minutes purchased",
			"account_id", req.AccountID.String(),
			"minutes", req.Minutes,
			"amount", amount.String(),
			"pricing_tenant", cfg.Tenant,
			"delegated", res.Delegated,
		)
		if res.Delegated {
			e.plugins.EmitMinutesPurchased(ctx, res.Transfer.Credit)
		} else {
			e.plugins.EmitMinutesPurchased(ctx, res.Entry)
		}
	}
	return res, nil
}

func (e *Engine) delegatedPurchase(ctx context.Context, scope account.Scope, req PurchaseRequest,
	cfg pricing.Config, amount types.Money, version uint64,
) (*PurchaseResult, error) {
	tr, err := e.Transfer(ctx, TransferRequest{
		AdminID:       scope.Admin.ID,
		CustomerID:    req.AccountID,
		Minutes:       req.Minutes,
		CorrelationID: req.CorrelationID,
		Amount:        amount,
		Note:          "purchase",
		Metadata:      pricingMeta(cfg, version),
	})
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		AccountID:       req.AccountID,
		Minutes:         req.Minutes,
		Amount:          tr.Credit.Amount,
		Pricing:         cfg,
		SnapshotVersion: version,
		Allocation:      tr.Customer,
		Transfer:        tr,
		Delegated:       true,
		Replayed:        tr.Replayed,
	}, nil
}

// directPurchase raises the account's own limit. A whitelabel admin's
// purchase changes its tenant pool and so runs on the tenant lane.
func (e *Engine) directPurchase(ctx context.Context, scope account.Scope, req PurchaseRequest,
	cfg pricing.Config, amount types.Money, version uint64,
) (*PurchaseResult, error) {
	var res *PurchaseResult
	apply := func(ctx context.Context) error {
		return e.withRetry(ctx, "purchase", func(ctx context.Context) error {
			key := entry.PurchaseKey(req.CorrelationID.String())
			if prior, ok, err := e.findEntry(ctx, key); err != nil {
				return err
			} else if ok {
				res, err = e.replayPurchase(ctx, req, prior, cfg, version)
				return err
			}

			a, err := getAllocation(ctx, e.store, req.AccountID)
			if err != nil {
				return err
			}
			newLimit, err := addMinutes("minutes", a.Limit, req.Minutes)
			if err != nil {
				return err
			}
			if a.IsAdmin() && !a.Account().IsRoot() && a.IsUnlimited() {
				if err := e.checkCapping(ctx, a, newLimit); err != nil {
					return err
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
				Kind:           entry.KindPurchase,
				MinutesDelta:   req.Minutes,
				Amount:         amount,
				CorrelationID:  req.CorrelationID,
				IdempotencyKey: key,
				Status:         entry.StatusApplied,
				LimitAfter:     a.Limit,
				UsedAfter:      a.Used,
				Metadata:       pricingMeta(cfg, version),
				CreatedAt:      now,
			}

			err = e.commit(ctx, "purchase", req.CorrelationID, &store.Batch{
				Allocations: []store.AllocationWrite{{Allocation: a, ExpectedVersion: expected}},
				Entries:     []*entry.Entry{en},
			})
			if errors.Is(err, ErrDuplicateEntry) && !IsPartialFailure(err) {
				prior, ok, ferr := e.findEntry(ctx, key)
				if ferr != nil || !ok {
					return &PersistenceError{Op: "purchase", Err: err}
				}
				res, err = e.replayPurchase(ctx, req, prior, cfg, version)
				return err
			}
			if err != nil {
				return err
			}

			res = &PurchaseResult{
				AccountID:       req.AccountID,
				Minutes:         req.Minutes,
				Amount:          amount,
				Pricing:         cfg,
				SnapshotVersion: version,
				Allocation:      a,
				Entry:           en,
			}
			return nil
		})
	}

	var err error
	if scope.Account.IsWhitelabelAdmin() {
		err = e.serializeTenant(ctx, scope.Account.NormalizedTenant(), apply)
	} else {
		err = apply(ctx)
	}
	return res, err
}

// checkCapping rejects capping a whitelabel admin's pool at newLimit when
// its customers' finite limits already add up to more. Customers still at
// the zero sentinel hold nothing from the pool.
func (e *Engine) checkCapping(ctx context.Context, admin *allocation.Allocation, newLimit int64) error {
	capped := admin.Clone()
	capped.Limit = newLimit
	rows, err := e.store.ListAllocations(ctx, admin.Tenant, admin.AccountID)
	if err != nil {
		return &PersistenceError{Op: "list allocations", Err: err}
	}
	check := EvaluatePool(capped, rows, 0, id.Nil)
	if check.CurrentAllocated > newLimit {
		check.Reason = fmt.Sprintf("customers already hold %d minutes", check.CurrentAllocated)
		return check.Rejection(newLimit)
	}
	return nil
}

func (e *Engine) replayPurchase(ctx context.Context, req PurchaseRequest, prior *entry.Entry,
	cfg pricing.Config, version uint64,
) (*PurchaseResult, error) {
	if prior.AccountID != req.AccountID || prior.MinutesDelta != req.Minutes {
		return nil, ValidationError{Field: "correlation_id", Message: "already used by a different purchase"}
	}
	a, err := getAllocation(ctx, e.store, req.AccountID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		AccountID:       req.AccountID,
		Minutes:         req.Minutes,
		Amount:          prior.Amount,
		Pricing:         cfg,
		SnapshotVersion: version,
		Allocation:      a,
		Entry:           prior,
		Replayed:        true,
	}, nil
}

// ResolveScope loads accountID and, for a whitelabel customer, the admin
// whose pool and price list it buys from.
func (e *Engine) ResolveScope(ctx context.Context, accountID id.AccountID) (account.Scope, error) {
	a, err := getAllocation(ctx, e.store, accountID)
	if err != nil {
		return account.Scope{}, err
	}
	scope := account.Scope{Account: a.Account()}
	if !scope.Account.IsWhitelabelCustomer() {
		return scope, nil
	}

	admin, err := e.store.GetTenantAdmin(ctx, a.Tenant)
	if err != nil {
		if errors.Is(err, ErrAdminNotFound) {
			return account.Scope{}, fmt.Errorf("%w: tenant %s", ErrAdminNotFound, a.Tenant)
		}
		return account.Scope{}, &PersistenceError{Op: "get tenant admin", Err: err}
	}
	adminAccount := admin.Account()
	scope.Admin = &adminAccount
	return scope, nil
}

// commitSnapshot returns the pricing snapshot a purchase may commit on,
// reloading it first when it is older than the refresh interval.
func (e *Engine) commitSnapshot(ctx context.Context) (*pricing.Snapshot, error) {
	if !e.catalog.Stale(e.pricingRefreshInterval) {
		return e.catalog.Current(), nil
	}
	snap, err := e.catalog.Refresh(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "refresh pricing", Err: err}
	}
	return snap, nil
}

// Quote prices minutes for accountID without writing anything. It reads
// the store directly under the quote timeout and falls back to the cached
// snapshot when that read fails.
func (e *Engine) Quote(ctx context.Context, accountID id.AccountID, minutes int64) (*Quote, error) {
	if minutes <= 0 {
		return nil, ValidationError{Field: "minutes", Message: "must be positive, got " + strconv.FormatInt(minutes, 10)}
	}
	scope, err := e.ResolveScope(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tenant := scope.PricingTenant()
	snap := e.catalog.Current()

	q := &Quote{
		AccountID:       accountID,
		PricingTenant:   tenant,
		Minutes:         minutes,
		SnapshotVersion: snap.Version,
	}

	qctx, cancel := context.WithTimeout(ctx, e.quoteTimeout)
	defer cancel()

	var cfg pricing.Config
	fresh, err := e.store.GetPricing(qctx, tenant)
	switch {
	case err == nil && fresh.Active:
		cfg = *fresh
	case err == nil || errors.Is(err, ErrPricingNotFound):
		cfg = snap.Fallback(tenant)
	default:
		e.logger.Warn("pricing lookup failed, quoting from snapshot",
			"tenant", tenant,
			"snapshot_version", snap.Version,
			"error", err,
		)
		cfg, _ = snap.Lookup(tenant)
		q.Stale = true
	}

	q.UnitPrice = cfg.UnitPrice()
	q.Amount = cfg.Amount(minutes)
	q.MinimumPurchase = cfg.MinimumPurchase
	q.BelowMinimum = cfg.Below(minutes)
	return q, nil
}

// SetPricing validates and stores cfg as the tenant's active pricing, then
// republishes the snapshot for cfg.Tenant only.
func (e *Engine) SetPricing(ctx context.Context, cfg pricing.Config) error {
	if err := cfg.Validate(); err != nil {
		return ValidationError{Field: "pricing", Message: err.Error()}
	}
	cfg.Active = true
	return e.storePricing(ctx, cfg)
}

// DeactivatePricing keeps tenant's stored pricing but stops using it;
// purchases fall back to the defaults until SetPricing runs again.
func (e *Engine) DeactivatePricing(ctx context.Context, tenant string) error {
	cfg, err := e.store.GetPricing(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrPricingNotFound) {
			return err
		}
		return &PersistenceError{Op: "get pricing", Err: err}
	}
	cfg.Active = false
	return e.storePricing(ctx, *cfg)
}

func (e *Engine) storePricing(ctx context.Context, cfg pricing.Config) error {
	cfg.UpdatedAt = e.now().UTC()

	if err := e.store.SetPricing(ctx, &cfg); err != nil {
		return &PersistenceError{Op: "set pricing", Err: err}
	}
	snap := e.catalog.Invalidate(cfg.Tenant, &cfg)

	e.logger.Info("pricing updated",
		"tenant", cfg.Tenant,
		"price_per_minute", cfg.PricePerMinute.String(),
		"minimum_purchase", cfg.MinimumPurchase,
		"currency", cfg.Currency,
		"active", cfg.Active,
		"snapshot_version", snap.Version,
	)
	e.plugins.EmitPricingUpdated(ctx, &cfg)
	return nil
}

// Pricing returns tenant's stored configuration, or the defaults.
func (e *Engine) Pricing(ctx context.Context, tenant string) (pricing.Config, error) {
	cfg, err := e.store.GetPricing(ctx, tenant)
	switch {
	case err == nil:
		return *cfg, nil
	case errors.Is(err, ErrPricingNotFound):
		return e.catalog.Current().Fallback(tenant), nil
	default:
		return pricing.Config{}, &PersistenceError{Op: "get pricing", Err: err}
	}
}

func pricingMeta(cfg pricing.Config, version uint64) map[string]string {
	return map[string]string{
		"pricing_tenant":   cfg.Tenant,
		"price_per_minute": cfg.PricePerMinute.String(),
		"snapshot_version": strconv.FormatUint(version, 10),
	}
}
