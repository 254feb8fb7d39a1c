package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/pricing"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages registered plugins and caches them per hook type so
// dispatch does not type-assert on every event.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit              []OnInit
	onShutdown          []OnShutdown
	onAccountOpened     []OnAccountOpened
	onTransferCompleted []OnTransferCompleted
	onTransferRejected  []OnTransferRejected
	onMinutesPurchased  []OnMinutesPurchased
	onMinutesGranted    []OnMinutesGranted
	onPlanChanged       []OnPlanChanged
	onUsageDeducted     []OnUsageDeducted
	onLimitExceeded     []OnLimitExceeded
	onPricingUpdated    []OnPricingUpdated
	onPartialFailure    []OnPartialFailure
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountOpened); ok {
		r.onAccountOpened = append(r.onAccountOpened, v)
	}
	if v, ok := p.(OnTransferCompleted); ok {
		r.onTransferCompleted = append(r.onTransferCompleted, v)
	}
	if v, ok := p.(OnTransferRejected); ok {
		r.onTransferRejected = append(r.onTransferRejected, v)
	}
	if v, ok := p.(OnMinutesPurchased); ok {
		r.onMinutesPurchased = append(r.onMinutesPurchased, v)
	}
	if v, ok := p.(OnMinutesGranted); ok {
		r.onMinutesGranted = append(r.onMinutesGranted, v)
	}
	if v, ok := p.(OnPlanChanged); ok {
		r.onPlanChanged = append(r.onPlanChanged, v)
	}
	if v, ok := p.(OnUsageDeducted); ok {
		r.onUsageDeducted = append(r.onUsageDeducted, v)
	}
	if v, ok := p.(OnLimitExceeded); ok {
		r.onLimitExceeded = append(r.onLimitExceeded, v)
	}
	if v, ok := p.(OnPricingUpdated); ok {
		r.onPricingUpdated = append(r.onPricingUpdated, v)
	}
	if v, ok := p.(OnPartialFailure); ok {
		r.onPartialFailure = append(r.onPartialFailure, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnAccountOpened", reflect.TypeFor[OnAccountOpened]()},
	{"OnTransferCompleted", reflect.TypeFor[OnTransferCompleted]()},
	{"OnTransferRejected", reflect.TypeFor[OnTransferRejected]()},
	{"OnMinutesPurchased", reflect.TypeFor[OnMinutesPurchased]()},
	{"OnMinutesGranted", reflect.TypeFor[OnMinutesGranted]()},
	{"OnPlanChanged", reflect.TypeFor[OnPlanChanged]()},
	{"OnUsageDeducted", reflect.TypeFor[OnUsageDeducted]()},
	{"OnLimitExceeded", reflect.TypeFor[OnLimitExceeded]()},
	{"OnPricingUpdated", reflect.TypeFor[OnPricingUpdated]()},
	{"OnPartialFailure", reflect.TypeFor[OnPartialFailure]()},
}

func implementedInterfaces(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────

// emit runs fn for every hook in list. Failures are logged, never returned:
// a hook must not fail a committed operation.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list func(*Registry) []T, fn func(T) error) {
	r.mu.RLock()
	hooks := list(r)
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit notifies OnInit hooks.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown notifies OnShutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitAccountOpened notifies OnAccountOpened hooks.
func (r *Registry) EmitAccountOpened(ctx context.Context, a *allocation.Allocation) {
	emit(ctx, r, "OnAccountOpened", func(r *Registry) []OnAccountOpened { return r.onAccountOpened },
		func(p OnAccountOpened) error { return p.OnAccountOpened(ctx, a) })
}

// EmitTransferCompleted notifies OnTransferCompleted hooks.
func (r *Registry) EmitTransferCompleted(ctx context.Context, debit, credit *entry.Entry) {
	emit(ctx, r, "OnTransferCompleted", func(r *Registry) []OnTransferCompleted { return r.onTransferCompleted },
		func(p OnTransferCompleted) error { return p.OnTransferCompleted(ctx, debit, credit) })
}

// EmitTransferRejected notifies OnTransferRejected hooks.
func (r *Registry) EmitTransferRejected(ctx context.Context, adminID, customerID id.AccountID, minutes int64, reason error) {
	emit(ctx, r, "OnTransferRejected", func(r *Registry) []OnTransferRejected { return r.onTransferRejected },
		func(p OnTransferRejected) error {
			return p.OnTransferRejected(ctx, adminID, customerID, minutes, reason)
		})
}

// EmitMinutesPurchased notifies OnMinutesPurchased hooks.
func (r *Registry) EmitMinutesPurchased(ctx context.Context, e *entry.Entry) {
	emit(ctx, r, "OnMinutesPurchased", func(r *Registry) []OnMinutesPurchased { return r.onMinutesPurchased },
		func(p OnMinutesPurchased) error { return p.OnMinutesPurchased(ctx, e) })
}

// EmitMinutesGranted notifies OnMinutesGranted hooks.
func (r *Registry) EmitMinutesGranted(ctx context.Context, e *entry.Entry) {
	emit(ctx, r, "OnMinutesGranted", func(r *Registry) []OnMinutesGranted { return r.onMinutesGranted },
		func(p OnMinutesGranted) error { return p.OnMinutesGranted(ctx, e) })
}

// EmitPlanChanged notifies OnPlanChanged hooks.
func (r *Registry) EmitPlanChanged(ctx context.Context, e *entry.Entry, planKey string) {
	emit(ctx, r, "OnPlanChanged", func(r *Registry) []OnPlanChanged { return r.onPlanChanged },
		func(p OnPlanChanged) error { return p.OnPlanChanged(ctx, e, planKey) })
}

// EmitUsageDeducted notifies OnUsageDeducted hooks.
func (r *Registry) EmitUsageDeducted(ctx context.Context, e *entry.Entry, exceeded bool) {
	emit(ctx, r, "OnUsageDeducted", func(r *Registry) []OnUsageDeducted { return r.onUsageDeducted },
		func(p OnUsageDeducted) error { return p.OnUsageDeducted(ctx, e, exceeded) })
}

// EmitLimitExceeded notifies OnLimitExceeded hooks.
func (r *Registry) EmitLimitExceeded(ctx context.Context, a *allocation.Allocation) {
	emit(ctx, r, "OnLimitExceeded", func(r *Registry) []OnLimitExceeded { return r.onLimitExceeded },
		func(p OnLimitExceeded) error { return p.OnLimitExceeded(ctx, a) })
}

// EmitPricingUpdated notifies OnPricingUpdated hooks.
func (r *Registry) EmitPricingUpdated(ctx context.Context, cfg *pricing.Config) {
	emit(ctx, r, "OnPricingUpdated", func(r *Registry) []OnPricingUpdated { return r.onPricingUpdated },
		func(p OnPricingUpdated) error { return p.OnPricingUpdated(ctx, cfg) })
}

// EmitPartialFailure notifies OnPartialFailure hooks.
func (r *Registry) EmitPartialFailure(ctx context.Context, operation string, corr id.CorrelationID, compensated bool, cause error) {
	emit(ctx, r, "OnPartialFailure", func(r *Registry) []OnPartialFailure { return r.onPartialFailure },
		func(p OnPartialFailure) error { return p.OnPartialFailure(ctx, operation, corr, compensated, cause) })
}

// callWithTimeout calls a plugin function with a timeout so a slow hook
// cannot stall quota operations.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
