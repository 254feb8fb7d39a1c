package minutes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/minutes/lock"
	"github.com/xraph/minutes/plugin"
	"github.com/xraph/minutes/pricing"
	"github.com/xraph/minutes/store"
)

const tracerName = "github.com/xraph/minutes"

// Engine is the quota allocation and usage ledger.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	tracer  trace.Tracer
	locker  lock.Locker
	catalog *pricing.Catalog
	lanes   *lanes
	recent  *lru.Cache[string, UsageResult]
	now     func() time.Time

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup

	// Configuration
	maxConflictRetries      int
	pricingRefreshInterval  time.Duration
	quoteTimeout            time.Duration
	lockTimeout             time.Duration
	laneIdleTimeout         time.Duration
	recentSessionCacheSize  int
	enforcePoolOnPlanChange bool
}

// New creates a new Engine on top of s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:                  s,
		plugins:                plugin.NewRegistry(),
		logger:                 slog.Default(),
		tracer:                 otel.Tracer(tracerName),
		now:                    time.Now,
		stopChan:               make(chan struct{}),
		maxConflictRetries:     3,
		pricingRefreshInterval: time.Minute,
		quoteTimeout:           2 * time.Second,
		lockTimeout:            5 * time.Second,
		laneIdleTimeout:        30 * time.Second,
		recentSessionCacheSize: 4096,
	}
	e.catalog = pricing.NewCatalog(s, func() time.Time { return e.now() })

	for _, opt := range opts {
		opt(e)
	}

	e.lanes = newLanes(e.laneIdleTimeout)
	if e.recentSessionCacheSize > 0 {
		cache, err := lru.New[string, UsageResult](e.recentSessionCacheSize)
		if err == nil {
			e.recent = cache
		}
	}

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithHookTimeout bounds each plugin hook call.
func WithHookTimeout(d time.Duration) Option {
	return func(e *Engine) { e.plugins.WithTimeout(d) }
}

// WithTracer sets the OpenTelemetry tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithLocker adds a cross-process advisory lock around pool-affecting
// operations, on top of the in-process tenant lanes.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLockTimeout bounds how long an operation waits for the tenant lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithMaxConflictRetries sets how many times a version conflict is retried
// with a fresh read before ConflictError is returned.
func WithMaxConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxConflictRetries = n
		}
	}
}

// WithPricingRefreshInterval sets the pricing snapshot refresh cadence.
// Zero disables the background refresh.
func WithPricingRefreshInterval(d time.Duration) Option {
	return func(e *Engine) { e.pricingRefreshInterval = d }
}

// WithQuoteTimeout bounds the fresh pricing lookup on the quote path.
func WithQuoteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.quoteTimeout = d }
}

// WithLaneIdleTimeout sets how long an idle tenant lane lives.
func WithLaneIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.laneIdleTimeout = d }
}

// WithRecentSessionCache sets the size of the in-memory cache of recent
// usage results. Zero disables it; the ledger stays authoritative.
func WithRecentSessionCache(size int) Option {
	return func(e *Engine) { e.recentSessionCacheSize = size }
}

// WithEnforcePoolOnPlanChange makes ChangePlan validate whitelabel
// customers against their admin's pool.
func WithEnforcePoolOnPlanChange(enforce bool) Option {
	return func(e *Engine) { e.enforcePoolOnPlanChange = enforce }
}

// WithDefaultPricing sets the pricing served to tenants without their own.
func WithDefaultPricing(cfg pricing.Config) Option {
	return func(e *Engine) { e.catalog.SetFallback(cfg) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Start migrates the store, loads the first pricing snapshot and starts
// the pricing refresh worker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return &PersistenceError{Op: "migrate", Err: err}
	}

	if _, err := e.catalog.Refresh(ctx); err != nil {
		return &PersistenceError{Op: "load pricing", Err: err}
	}

	e.plugins.EmitInit(ctx, e)

	if e.pricingRefreshInterval > 0 {
		e.wg.Add(1)
		go e.pricingRefreshWorker(context.WithoutCancel(ctx))
	}

	e.logger.Info("minutes engine started",
		"pricing_refresh", e.pricingRefreshInterval,
		"max_conflict_retries", e.maxConflictRetries,
		"enforce_pool_on_plan_change", e.enforcePoolOnPlanChange,
		"distributed_lock", e.locker != nil,
	)

	return nil
}

// Stop drains in-flight operations, stops workers and closes the store.
// Calls after the first return the first call's result.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		e.lanes.close()

		e.plugins.EmitShutdown(context.Background())

		e.stopErr = e.store.Close()
	})
	return e.stopErr
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// pricingRefreshWorker republishes the pricing snapshot on a fixed cadence.
func (e *Engine) pricingRefreshWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pricingRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case <-ticker.C:
			start := time.Now()
			snap, err := e.catalog.Refresh(ctx)
			if err != nil {
				e.logger.Error("failed to refresh pricing snapshot", "error", err)
				continue
			}
			e.logger.Debug("refreshed pricing snapshot",
				"version", snap.Version,
				"tenants", snap.Len(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}

// startSpan opens a span for a top-level operation.
func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "minutes."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
