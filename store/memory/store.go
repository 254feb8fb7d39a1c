// Package memory provides an in-memory store for tests and single-process
// deployments. Commit is atomic under the store mutex.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
	"github.com/xraph/minutes/store"
)

// compile-time interface checks
var (
	_ store.Store     = (*Store)(nil)
	_ store.Committer = (*Store)(nil)
)

type Store struct {
	mu sync.RWMutex

	allocations map[string]*allocation.Allocation

	// entries keeps insertion order; keys indexes non-empty idempotency keys.
	entries []*entry.Entry
	keys    map[string]*entry.Entry

	pricing map[string]*pricing.Config
	plans   map[string]*plan.Plan
}

func New() *Store {
	return &Store{
		allocations: make(map[string]*allocation.Allocation),
		keys:        make(map[string]*entry.Entry),
		pricing:     make(map[string]*pricing.Config),
		plans:       make(map[string]*plan.Plan),
	}
}

// ==================== Allocation Store ====================

func (s *Store) GetAllocation(_ context.Context, accountID id.AccountID) (*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.allocations[accountID.String()]; ok {
		return a.Clone(), nil
	}
	return nil, minutes.ErrAccountNotFound
}

func (s *Store) UpsertAllocation(_ context.Context, a *allocation.Allocation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion == 0 {
		if _, exists := s.allocations[a.AccountID.String()]; exists {
			return minutes.ErrAlreadyExists
		}
		a.Version = 1
		s.allocations[a.AccountID.String()] = a.Clone()
		return nil
	}

	if err := s.checkVersionLocked(a.AccountID, expectedVersion); err != nil {
		return err
	}
	s.writeLocked(a, expectedVersion)
	return nil
}

func (s *Store) ListAllocations(_ context.Context, tenant string, exclude id.AccountID) ([]*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*allocation.Allocation, 0)
	for _, a := range s.allocations {
		if a.Tenant != tenant || (!exclude.IsNil() && a.AccountID == exclude) {
			continue
		}
		result = append(result, a.Clone())
	}
	slices.SortFunc(result, func(x, y *allocation.Allocation) int {
		return strings.Compare(x.AccountID.String(), y.AccountID.String())
	})
	return result, nil
}

func (s *Store) GetTenantAdmin(_ context.Context, tenant string) (*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.allocations {
		if a.Tenant == tenant && a.IsAdmin() {
			return a.Clone(), nil
		}
	}
	return nil, minutes.ErrAdminNotFound
}

func (s *Store) checkVersionLocked(accountID id.AccountID, expected int64) error {
	cur, ok := s.allocations[accountID.String()]
	if !ok {
		return minutes.ErrAccountNotFound
	}
	if cur.Version != expected {
		return minutes.ErrConflict
	}
	return nil
}

func (s *Store) writeLocked(a *allocation.Allocation, expected int64) {
	cur := s.allocations[a.AccountID.String()]
	next := cur.Clone()
	next.Limit = a.Limit
	next.Used = a.Used
	next.PlanKey = a.PlanKey
	next.UpdatedAt = a.UpdatedAt
	next.Version = expected + 1
	s.allocations[a.AccountID.String()] = next
	a.Version = next.Version
}

// ==================== Entry Store ====================

func (s *Store) AppendEntry(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, dup := s.keys[e.IdempotencyKey]; dup {
			return minutes.ErrDuplicateEntry
		}
	}
	s.appendLocked(e)
	return nil
}

func (s *Store) appendLocked(e *entry.Entry) {
	c := cloneEntry(e)
	s.entries = append(s.entries, c)
	if c.IdempotencyKey != "" {
		s.keys[c.IdempotencyKey] = c
	}
}

func (s *Store) FindEntryByIdempotencyKey(_ context.Context, key string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.keys[key]; ok && key != "" {
		return cloneEntry(e), nil
	}
	return nil, minutes.ErrEntryNotFound
}

func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = entry.DefaultListLimit
	}

	result := make([]*entry.Entry, 0)
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.Kind) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		result = append(result, cloneEntry(e))
	}
	return result, nil
}

func (s *Store) ListEntriesByCorrelation(_ context.Context, corr id.CorrelationID) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0)
	for _, e := range s.entries {
		if !corr.IsNil() && e.CorrelationID == corr {
			result = append(result, cloneEntry(e))
		}
	}
	return result, nil
}

// ==================== Batch Commit ====================

// Commit validates every version and key first, then applies the batch.
func (s *Store) Commit(_ context.Context, b *store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range b.Allocations {
		if err := s.checkVersionLocked(w.Allocation.AccountID, w.ExpectedVersion); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(b.Entries))
	for _, e := range b.Entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, dup := s.keys[e.IdempotencyKey]; dup {
			return minutes.ErrDuplicateEntry
		}
		if _, dup := seen[e.IdempotencyKey]; dup {
			return minutes.ErrDuplicateEntry
		}
		seen[e.IdempotencyKey] = struct{}{}
	}

	for _, w := range b.Allocations {
		s.writeLocked(w.Allocation, w.ExpectedVersion)
	}
	for _, e := range b.Entries {
		s.appendLocked(e)
	}
	return nil
}

// ==================== Pricing Store ====================

func (s *Store) GetPricing(_ context.Context, tenant string) (*pricing.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.pricing[tenant]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, minutes.ErrPricingNotFound
}

func (s *Store) SetPricing(_ context.Context, c *pricing.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.pricing[c.Tenant] = &cp
	return nil
}

func (s *Store) ListPricing(_ context.Context) ([]*pricing.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pricing.Config, 0, len(s.pricing))
	for _, c := range s.pricing {
		cp := *c
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(x, y *pricing.Config) int { return strings.Compare(x.Tenant, y.Tenant) })
	return result, nil
}

// ==================== Plan Store ====================

func planKey(tenant, key string) string { return tenant + "/" + key }

func (s *Store) GetPlan(_ context.Context, tenant, key string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planKey(tenant, key)]; ok && p.Active {
		cp := *p
		return &cp, nil
	}
	return nil, minutes.ErrPlanNotFound
}

func (s *Store) SavePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	cp := *p
	s.plans[planKey(p.Tenant, p.Key)] = &cp
	return nil
}

func (s *Store) ListPlans(_ context.Context, tenant string) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0)
	for _, p := range s.plans {
		if p.Tenant == tenant {
			cp := *p
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(x, y *plan.Plan) int { return strings.Compare(x.Key, y.Key) })
	return result, nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cloneEntry(e *entry.Entry) *entry.Entry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
