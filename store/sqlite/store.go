package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
	minutesstore "github.com/xraph/minutes/store"
)

// compile-time interface check
var _ minutesstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM. It does not
// implement store.Committer; the engine sequences multi-row writes itself
// and compensates on partial failure.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("minutes/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("minutes/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Allocation Store ====================

func (s *Store) GetAllocation(ctx context.Context, accountID id.AccountID) (*allocation.Allocation, error) {
	m := new(allocationModel)
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, minutes.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAllocationModel(m)
}

// UpsertAllocation inserts when expectedVersion is zero; otherwise it
// updates only if the stored version still equals expectedVersion.
func (s *Store) UpsertAllocation(ctx context.Context, a *allocation.Allocation, expectedVersion int64) error {
	if expectedVersion == 0 {
		m := toAllocationModel(a)
		m.Version = 1
		if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return minutes.ErrAlreadyExists
			}
			return err
		}
		a.Version = 1
		return nil
	}

	res, err := s.sdb.NewUpdate((*allocationModel)(nil)).
		Set("limit_minutes = ?", a.Limit).
		Set("used_minutes = ?", a.Used).
		Set("plan_key = ?", a.PlanKey).
		Set("updated_at = ?", a.UpdatedAt).
		Set("version = version + 1").
		Where("account_id = ?", a.AccountID.String()).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, gerr := s.GetAllocation(ctx, a.AccountID); gerr != nil {
			return gerr
		}
		return minutes.ErrConflict
	}
	a.Version = expectedVersion + 1
	return nil
}

func (s *Store) ListAllocations(ctx context.Context, tenant string, exclude id.AccountID) ([]*allocation.Allocation, error) {
	var models []allocationModel
	q := s.sdb.NewSelect(&models).Where("tenant = ?", tenant)
	if !exclude.IsNil() {
		q = q.Where("account_id != ?", exclude.String())
	}
	q = q.OrderExpr("account_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*allocation.Allocation, len(models))
	for i := range models {
		a, err := fromAllocationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

func (s *Store) GetTenantAdmin(ctx context.Context, tenant string) (*allocation.Allocation, error) {
	m := new(allocationModel)
	err := s.sdb.NewSelect(m).
		Where("tenant = ?", tenant).
		Where("role = ?", "admin").
		OrderExpr("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, minutes.ErrAdminNotFound
		}
		return nil, err
	}
	return fromAllocationModel(m)
}

// ==================== Entry Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *entry.Entry) error {
	m := toEntryModel(e)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return minutes.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (s *Store) FindEntryByIdempotencyKey(ctx context.Context, key string) (*entry.Entry, error) {
	if key == "" {
		return nil, minutes.ErrEntryNotFound
	}
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, minutes.ErrEntryNotFound
		}
		return nil, err
	}
	return fromEntryModel(m)
}

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.sdb.NewSelect(&models).Where("account_id = ?", accountID.String())

	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		args := make([]any, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = "?"
			args[i] = string(k)
		}
		q = q.Where("kind IN ("+strings.Join(placeholders, ", ")+")", args...)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = entry.DefaultListLimit
	}
	q = q.Limit(limit)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntryModels(models)
}

func (s *Store) ListEntriesByCorrelation(ctx context.Context, corr id.CorrelationID) ([]*entry.Entry, error) {
	var models []entryModel
	err := s.sdb.NewSelect(&models).
		Where("correlation_id = ?", corr.String()).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromEntryModels(models)
}

func fromEntryModels(models []entryModel) ([]*entry.Entry, error) {
	result := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Pricing Store ====================

func (s *Store) GetPricing(ctx context.Context, tenant string) (*pricing.Config, error) {
	m := new(pricingModel)
	err := s.sdb.NewSelect(m).
		Where("tenant = ?", tenant).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, minutes.ErrPricingNotFound
		}
		return nil, err
	}
	return fromPricingModel(m), nil
}

func (s *Store) SetPricing(ctx context.Context, c *pricing.Config) error {
	m := toPricingModel(c)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(tenant) DO UPDATE").
		Set("price_per_minute = EXCLUDED.price_per_minute").
		Set("minimum_purchase = EXCLUDED.minimum_purchase").
		Set("currency = EXCLUDED.currency").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) ListPricing(ctx context.Context) ([]*pricing.Config, error) {
	var models []pricingModel
	if err := s.sdb.NewSelect(&models).OrderExpr("tenant ASC").Scan(ctx); err != nil {
		return nil, err
	}
	result := make([]*pricing.Config, len(models))
	for i := range models {
		result[i] = fromPricingModel(&models[i])
	}
	return result, nil
}

// ==================== Plan Store ====================

func (s *Store) GetPlan(ctx context.Context, tenant, key string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("tenant = ?", tenant).
		Where("plan_key = ?", key).
		Where("active = 1").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, minutes.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	p.Key = plan.NormalizeKey(p.Key)
	m := toPlanModel(p)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(tenant, plan_key) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("minutes = EXCLUDED.minutes").
		Set("pay_as_you_go = EXCLUDED.pay_as_you_go").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) ListPlans(ctx context.Context, tenant string) ([]*plan.Plan, error) {
	var models []planModel
	err := s.sdb.NewSelect(&models).
		Where("tenant = ?", tenant).
		OrderExpr("plan_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

// ==================== Helpers ====================

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation matches SQLite's constraint error text.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
