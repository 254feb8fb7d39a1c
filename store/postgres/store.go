package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
	minutesstore "github.com/xraph/minutes/store"
)

// compile-time interface checks
var (
	_ minutesstore.Store     = (*Store)(nil)
	_ minutesstore.Committer = (*Store)(nil)
)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("minutes/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("minutes/postgres: migration failed: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID.String()).
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
		if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return minutes.ErrAlreadyExists
			}
			return err
		}
		a.Version = 1
		return nil
	}

	res, err := s.pg.NewUpdate((*allocationModel)(nil)).
		Set("limit_minutes = $1", a.Limit).
		Set("used_minutes = $2", a.Used).
		Set("plan_key = $3", a.PlanKey).
		Set("updated_at = $4", a.UpdatedAt).
		Set("version = version + 1").
		Where("account_id = $5", a.AccountID.String()).
		Where("version = $6", expectedVersion).
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
	q := s.pg.NewSelect(&models).Where("tenant = $1", tenant)
	if !exclude.IsNil() {
		q = q.Where("account_id != $2", exclude.String())
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
	err := s.pg.NewSelect(m).
		Where("tenant = $1", tenant).
		Where("role = $2", "admin").
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
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
	err := s.pg.NewSelect(m).
		Where("idempotency_key = $1", key).
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
	q := s.pg.NewSelect(&models).Where("account_id = $1", accountID.String())

	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		args := make([]any, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
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
	err := s.pg.NewSelect(&models).
		Where("correlation_id = $1", corr.String()).
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

// ==================== Batch Commit ====================

// Commit applies the batch as one statement. Each allocation update is
// version-checked; a guard divides by zero when any of them matched no row,
// which aborts the statement and with it every other write.
func (s *Store) Commit(ctx context.Context, b *minutesstore.Batch) error {
	query, args, err := buildCommit(b)
	if err != nil {
		return err
	}

	var ok int64
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &ok); err != nil {
		switch {
		case isUniqueViolation(err):
			return minutes.ErrDuplicateEntry
		case isDivisionByZero(err):
			return minutes.ErrConflict
		}
		return err
	}

	for _, w := range b.Allocations {
		w.Allocation.Version = w.ExpectedVersion + 1
	}
	return nil
}

func buildCommit(b *minutesstore.Batch) (string, []any, error) {
	var (
		sb    strings.Builder
		args  []any
		ctes  []string
		count []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for i, w := range b.Allocations {
		a := w.Allocation
		name := fmt.Sprintf("w%d", i)
		ctes = append(ctes, fmt.Sprintf(`%s AS (
    UPDATE minutes_allocations
       SET limit_minutes = %s, used_minutes = %s, plan_key = %s, updated_at = %s, version = version + 1
     WHERE account_id = %s AND version = %s
 RETURNING account_id
)`, name, arg(a.Limit), arg(a.Used), arg(a.PlanKey), arg(a.UpdatedAt), arg(a.AccountID.String()), arg(w.ExpectedVersion)))
		count = append(count, fmt.Sprintf("(SELECT count(*) FROM %s)", name))
	}

	matched := "0"
	if len(count) > 0 {
		matched = strings.Join(count, " + ")
	}
	ctes = append(ctes, fmt.Sprintf(`guard AS (
    SELECT 1 / (CASE WHEN %s = %d THEN 1 ELSE 0 END) AS ok
)`, matched, len(b.Allocations)))

	for i, e := range b.Entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("minutes/postgres: encode metadata: %w", err)
		}
		if e.Metadata == nil {
			meta = []byte("{}")
		}
		ctes = append(ctes, fmt.Sprintf(`e%d AS (
    INSERT INTO minutes_entries (id, account_id, tenant, kind, minutes_delta, amount, currency,
        correlation_id, idempotency_key, status, limit_after, used_after, note, metadata, created_at)
    SELECT %s::text, %s::text, %s::text, %s::text, %s::bigint, %s::numeric, %s::text,
        %s::text, %s::text, %s::text, %s::bigint, %s::bigint, %s::text, %s::jsonb, %s::timestamptz
      FROM guard
 RETURNING id
)`, i,
			arg(e.ID.String()), arg(e.AccountID.String()), arg(e.Tenant), arg(string(e.Kind)),
			arg(e.MinutesDelta), arg(e.Amount.Amount.String()), arg(e.Amount.Currency),
			arg(e.CorrelationID.String()), arg(e.IdempotencyKey), arg(string(e.Status)),
			arg(e.LimitAfter), arg(e.UsedAfter), arg(e.Note), arg(string(meta)), arg(e.CreatedAt)))
	}

	sb.WriteString("WITH ")
	sb.WriteString(strings.Join(ctes, ",\n"))
	sb.WriteString("\nSELECT ok FROM guard")
	return sb.String(), args, nil
}

// ==================== Pricing Store ====================

func (s *Store) GetPricing(ctx context.Context, tenant string) (*pricing.Config, error) {
	m := new(pricingModel)
	err := s.pg.NewSelect(m).
		Where("tenant = $1", tenant).
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
	_, err := s.pg.NewInsert(m).
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
	if err := s.pg.NewSelect(&models).OrderExpr("tenant ASC").Scan(ctx); err != nil {
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
	err := s.pg.NewSelect(m).
		Where("tenant = $1", tenant).
		Where("plan_key = $2", key).
		Where("active = TRUE").
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
	_, err := s.pg.NewInsert(m).
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
	err := s.pg.NewSelect(&models).
		Where("tenant = $1", tenant).
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

// isUniqueViolation matches SQLSTATE 23505 from any driver's error text.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// isDivisionByZero matches SQLSTATE 22012, raised by the commit guard.
func isDivisionByZero(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "22012") || strings.Contains(msg, "division by zero")
}
