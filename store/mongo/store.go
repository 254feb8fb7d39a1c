package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
	minutesstore "github.com/xraph/minutes/store"
)

// Collection name constants.
const (
	colAllocations = "minutes_allocations"
	colEntries     = "minutes_entries"
	colPricing     = "minutes_pricing"
	colPlans       = "minutes_plans"
)

// compile-time interface checks
var (
	_ minutesstore.Store     = (*Store)(nil)
	_ minutesstore.Committer = (*Store)(nil)
)

// Store implements store.Store using MongoDB via Grove ORM. Commit needs a
// replica set or sharded cluster for multi-document transactions.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all minutes collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("minutes/mongo: migrate %s indexes: %w", col, err)
		}
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
	var m allocationModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": accountID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, minutes.ErrAccountNotFound
		}
		return nil, fmt.Errorf("minutes/mongo: get allocation: %w", err)
	}
	return fromAllocationModel(&m)
}

func (s *Store) UpsertAllocation(ctx context.Context, a *allocation.Allocation, expectedVersion int64) error {
	if expectedVersion == 0 {
		m := toAllocationModel(a)
		m.Version = 1
		if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return minutes.ErrAlreadyExists
			}
			return fmt.Errorf("minutes/mongo: insert allocation: %w", err)
		}
		a.Version = 1
		return nil
	}

	res, err := s.mdb.NewUpdate((*allocationModel)(nil)).
		Filter(bson.M{"_id": a.AccountID.String(), "version": expectedVersion}).
		SetUpdate(allocationUpdate(a)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("minutes/mongo: update allocation: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, gerr := s.GetAllocation(ctx, a.AccountID); gerr != nil {
			return gerr
		}
		return minutes.ErrConflict
	}
	a.Version = expectedVersion + 1
	return nil
}

func allocationUpdate(a *allocation.Allocation) bson.M {
	return bson.M{
		"$set": bson.M{
			"limit_minutes": a.Limit,
			"used_minutes":  a.Used,
			"plan_key":      a.PlanKey,
			"updated_at":    a.UpdatedAt,
		},
		"$inc": bson.M{"version": 1},
	}
}

func (s *Store) ListAllocations(ctx context.Context, tenant string, exclude id.AccountID) ([]*allocation.Allocation, error) {
	var models []allocationModel

	filter := bson.M{"tenant": tenant}
	if !exclude.IsNil() {
		filter["_id"] = bson.M{"$ne": exclude.String()}
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("minutes/mongo: list allocations: %w", err)
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
	var m allocationModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"tenant": tenant, "role": "admin"}).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, minutes.ErrAdminNotFound
		}
		return nil, fmt.Errorf("minutes/mongo: get tenant admin: %w", err)
	}
	return fromAllocationModel(&m)
}

// ==================== Entry Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *entry.Entry) error {
	m := toEntryModel(e)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return minutes.ErrDuplicateEntry
		}
		return fmt.Errorf("minutes/mongo: append entry: %w", err)
	}
	return nil
}

func (s *Store) FindEntryByIdempotencyKey(ctx context.Context, key string) (*entry.Entry, error) {
	if key == "" {
		return nil, minutes.ErrEntryNotFound
	}
	var m entryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, minutes.ErrEntryNotFound
		}
		return nil, fmt.Errorf("minutes/mongo: find entry: %w", err)
	}
	return fromEntryModel(&m)
}

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel

	filter := bson.M{"account_id": accountID.String()}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		filter["kind"] = bson.M{"$in": kinds}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = entry.DefaultListLimit
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		Limit(int64(limit))
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("minutes/mongo: list entries: %w", err)
	}
	return fromEntryModels(models)
}

func (s *Store) ListEntriesByCorrelation(ctx context.Context, corr id.CorrelationID) ([]*entry.Entry, error) {
	var models []entryModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"correlation_id": corr.String()}).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("minutes/mongo: list correlated entries: %w", err)
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

// Commit applies the batch inside a multi-document transaction.
func (s *Store) Commit(ctx context.Context, b *minutesstore.Batch) error {
	allocations := s.mdb.Collection(colAllocations)
	entries := s.mdb.Collection(colEntries)

	sess, err := allocations.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("minutes/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(tx context.Context) (any, error) {
		for _, w := range b.Allocations {
			res, err := allocations.UpdateOne(tx,
				bson.M{"_id": w.Allocation.AccountID.String(), "version": w.ExpectedVersion},
				allocationUpdate(w.Allocation),
			)
			if err != nil {
				return nil, err
			}
			if res.MatchedCount == 0 {
				return nil, minutes.ErrConflict
			}
		}
		for _, e := range b.Entries {
			if _, err := entries.InsertOne(tx, toEntryModel(e)); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, minutes.ErrDuplicateEntry
				}
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, minutes.ErrConflict) || errors.Is(err, minutes.ErrDuplicateEntry) {
			return err
		}
		return fmt.Errorf("minutes/mongo: commit: %w", err)
	}

	for _, w := range b.Allocations {
		w.Allocation.Version = w.ExpectedVersion + 1
	}
	return nil
}

// ==================== Pricing Store ====================

func (s *Store) GetPricing(ctx context.Context, tenant string) (*pricing.Config, error) {
	var m pricingModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": tenant}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, minutes.ErrPricingNotFound
		}
		return nil, fmt.Errorf("minutes/mongo: get pricing: %w", err)
	}
	return fromPricingModel(&m)
}

func (s *Store) SetPricing(ctx context.Context, c *pricing.Config) error {
	m := toPricingModel(c)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Tenant}).
		SetUpdate(bson.M{"$set": bson.M{
			"price_per_minute": m.PricePerMinute,
			"minimum_purchase": m.MinimumPurchase,
			"currency":         m.Currency,
			"active":           m.Active,
			"updated_at":       m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("minutes/mongo: set pricing: %w", err)
	}
	return nil
}

func (s *Store) ListPricing(ctx context.Context) ([]*pricing.Config, error) {
	var models []pricingModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("minutes/mongo: list pricing: %w", err)
	}
	result := make([]*pricing.Config, len(models))
	for i := range models {
		c, err := fromPricingModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

// ==================== Plan Store ====================

func (s *Store) GetPlan(ctx context.Context, tenant, key string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"tenant": tenant, "plan_key": key, "active": true}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, minutes.ErrPlanNotFound
		}
		return nil, fmt.Errorf("minutes/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	p.Key = plan.NormalizeKey(p.Key)
	m := toPlanModel(p)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"tenant": m.Tenant, "plan_key": m.PlanKey}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"name":          m.Name,
				"minutes":       m.Minutes,
				"pay_as_you_go": m.PayAsYouGo,
				"active":        m.Active,
				"updated_at":    m.UpdatedAt,
			},
			"$setOnInsert": bson.M{
				"_id":        m.ID,
				"created_at": m.CreatedAt,
			},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("minutes/mongo: save plan: %w", err)
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, tenant string) ([]*plan.Plan, error) {
	var models []planModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"tenant": tenant}).
		Sort(bson.D{{Key: "plan_key", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("minutes/mongo: list plans: %w", err)
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all minutes collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAllocations: {
			{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "role", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colPricing: {},
		colPlans: {
			{
				Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "plan_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
