package pricing

import (
	"context"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Snapshot is an immutable, versioned view of every tenant's pricing.
type Snapshot struct {
	Version  uint64
	TakenAt  time.Time
	configs  map[string]Config
	fallback Config
}

// Lookup returns tenant's configuration, or the defaults when the tenant
// has none or has deactivated it. found reports a stored, active config.
func (s *Snapshot) Lookup(tenant string) (cfg Config, found bool) {
	if s != nil {
		if c, ok := s.configs[tenant]; ok && c.Active {
			return c, true
		}
		return s.Fallback(tenant), false
	}
	return Default(tenant), false
}

// Fallback returns the configuration served to tenants without their own.
func (s *Snapshot) Fallback(tenant string) Config {
	if s == nil {
		return Default(tenant)
	}
	fb := s.fallback
	fb.Tenant = tenant
	return fb
}

// Len returns the number of stored configurations in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.configs)
}

// Lister is the read side of Store the catalog reloads from.
type Lister interface {
	ListPricing(ctx context.Context) ([]*Config, error)
}

// Catalog serves pricing snapshots. Concurrent refreshes collapse into a
// single store read; writers publish new snapshots, readers never block.
type Catalog struct {
	src   Lister
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex // serializes publishes
	current atomic.Pointer[Snapshot]
}

// NewCatalog creates a catalog with an empty snapshot at version 0.
func NewCatalog(src Lister, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	c := &Catalog{src: src, now: now}
	c.current.Store(&Snapshot{TakenAt: now(), configs: map[string]Config{}, fallback: Default("")})
	return c
}

// Current returns the latest published snapshot.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Refresh reloads every configuration from the store and publishes a new
// snapshot. Concurrent callers share one load.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		list, err := c.src.ListPricing(ctx)
		if err != nil {
			return nil, err
		}
		configs := make(map[string]Config, len(list))
		for _, cfg := range list {
			configs[cfg.Tenant] = normalize(*cfg)
		}
		return c.publish(func(map[string]Config) map[string]Config { return configs }), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate replaces tenant's entry with cfg, or drops it when cfg is nil,
// leaving every other tenant untouched.
func (c *Catalog) Invalidate(tenant string, cfg *Config) *Snapshot {
	return c.publish(func(prev map[string]Config) map[string]Config {
		next := maps.Clone(prev)
		if cfg == nil {
			delete(next, tenant)
		} else {
			next[tenant] = normalize(*cfg)
		}
		return next
	})
}

// SetFallback replaces the configuration served to tenants without one.
func (c *Catalog) SetFallback(cfg Config) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		TakenAt:  prev.TakenAt,
		configs:  prev.configs,
		fallback: normalize(cfg),
	}
	c.current.Store(next)
	return next
}

// Stale reports whether the current snapshot is older than maxAge.
func (c *Catalog) Stale(maxAge time.Duration) bool {
	return maxAge > 0 && c.now().Sub(c.Current().TakenAt) > maxAge
}

func (c *Catalog) publish(build func(prev map[string]Config) map[string]Config) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		TakenAt:  c.now(),
		configs:  build(prev.configs),
		fallback: prev.fallback,
	}
	c.current.Store(next)
	return next
}

func normalize(cfg Config) Config {
	cfg.Currency = strings.ToLower(cfg.Currency)
	return cfg
}
