package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/minutes/types"
)

type fakeLister struct {
	calls   atomic.Int32
	release chan struct{}
	configs []*Config
	err     error
}

func (f *fakeLister) ListPricing(context.Context) ([]*Config, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.configs, f.err
}

func TestConfigAmount(t *testing.T) {
	tests := []struct {
		name    string
		price   string
		curr    string
		minutes int64
		want    types.Money
	}{
		{"default price", "0.01", "usd", 100, types.USD(100)},
		{"sub-cent rounds half up", "0.0125", "usd", 1, types.USD(1)},
		{"sub-cent exact", "0.0125", "usd", 4, types.USD(5)},
		{"zero-decimal currency", "1.5", "jpy", 3, types.JPY(5)},
		{"free", "0", "usd", 500, types.USD(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Tenant: "acme", PricePerMinute: decimal.RequireFromString(tt.price), Currency: tt.curr}
			if got := cfg.Amount(tt.minutes); !got.Equal(tt.want) {
				t.Errorf("Amount: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Default("acme")
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing tenant", func(c *Config) { c.Tenant = " " }, true},
		{"negative price", func(c *Config) { c.PricePerMinute = decimal.NewFromInt(-1) }, true},
		{"negative minimum", func(c *Config) { c.MinimumPurchase = -5 }, true},
		{"bad currency", func(c *Config) { c.Currency = "dollars" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate: got %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBelow(t *testing.T) {
	cfg := Default("main")
	if cfg.Below(1) {
		t.Error("minimum 0 should accept any amount")
	}
	cfg.MinimumPurchase = 100
	if !cfg.Below(99) || cfg.Below(100) {
		t.Error("minimum 100 should reject 99 and accept 100")
	}
}

func TestSnapshotLookupDefaults(t *testing.T) {
	c := NewCatalog(&fakeLister{}, nil)
	cfg, found := c.Current().Lookup("acme")
	if found {
		t.Error("empty snapshot should not find a config")
	}
	if !cfg.PricePerMinute.Equal(DefaultPricePerMinute) || cfg.Currency != "usd" || cfg.MinimumPurchase != 0 {
		t.Errorf("defaults: got %+v", cfg)
	}
}

func TestCatalogRefresh(t *testing.T) {
	src := &fakeLister{configs: []*Config{
		{Tenant: "acme", PricePerMinute: decimal.RequireFromString("0.05"), Currency: "EUR", Active: true},
		{Tenant: "paused", PricePerMinute: decimal.RequireFromString("0.50"), Currency: "usd"},
	}}
	c := NewCatalog(src, nil)

	snap, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snap.Version != 1 || snap.Len() != 2 {
		t.Errorf("snapshot: version %d len %d", snap.Version, snap.Len())
	}

	cfg, found := snap.Lookup("acme")
	if !found || cfg.Currency != "eur" {
		t.Errorf("acme: got %+v found=%v", cfg, found)
	}
	if _, found := snap.Lookup("paused"); found {
		t.Error("inactive config should fall back to defaults")
	}
}

func TestCatalogRefreshError(t *testing.T) {
	c := NewCatalog(&fakeLister{err: errors.New("down")}, nil)
	if _, err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.Current().Version != 0 {
		t.Error("failed refresh must not publish")
	}
}

func TestCatalogRefreshCollapses(t *testing.T) {
	src := &fakeLister{release: make(chan struct{})}
	c := NewCatalog(src, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Refresh(context.Background())
		}()
	}
	// Let the callers pile up behind the first load.
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if got := src.calls.Load(); got >= 8 {
		t.Errorf("expected concurrent refreshes to share loads, got %d calls", got)
	}
}

func TestCatalogInvalidate(t *testing.T) {
	src := &fakeLister{configs: []*Config{
		{Tenant: "acme", PricePerMinute: decimal.RequireFromString("0.05"), Currency: "usd", Active: true},
		{Tenant: "beta", PricePerMinute: decimal.RequireFromString("0.07"), Currency: "usd", Active: true},
	}}
	c := NewCatalog(src, nil)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	updated := Config{Tenant: "acme", PricePerMinute: decimal.RequireFromString("0.02"), Currency: "usd", Active: true}
	snap := c.Invalidate("acme", &updated)
	if snap.Version != 2 {
		t.Errorf("Version: got %d, want 2", snap.Version)
	}
	if cfg, _ := snap.Lookup("acme"); !cfg.PricePerMinute.Equal(updated.PricePerMinute) {
		t.Errorf("acme price: got %s", cfg.PricePerMinute)
	}
	if cfg, _ := snap.Lookup("beta"); !cfg.PricePerMinute.Equal(decimal.RequireFromString("0.07")) {
		t.Errorf("beta should be untouched, got %s", cfg.PricePerMinute)
	}

	snap = c.Invalidate("beta", nil)
	if _, found := snap.Lookup("beta"); found {
		t.Error("dropped tenant should fall back to defaults")
	}
}

func TestCatalogStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCatalog(&fakeLister{}, func() time.Time { return now })
	if c.Stale(time.Minute) {
		t.Error("fresh snapshot reported stale")
	}
	now = now.Add(2 * time.Minute)
	if !c.Stale(time.Minute) {
		t.Error("old snapshot not reported stale")
	}
	if c.Stale(0) {
		t.Error("zero max age disables staleness")
	}
}

func TestCatalogFallback(t *testing.T) {
	c := NewCatalog(&fakeLister{}, nil)
	fb := Default("")
	fb.PricePerMinute = decimal.RequireFromString("0.02")
	fb.MinimumPurchase = 10
	c.SetFallback(fb)

	cfg, found := c.Current().Lookup("acme")
	if found {
		t.Error("fallback should not count as found")
	}
	if cfg.Tenant != "acme" || cfg.MinimumPurchase != 10 || !cfg.PricePerMinute.Equal(fb.PricePerMinute) {
		t.Errorf("fallback: got %+v", cfg)
	}
}
