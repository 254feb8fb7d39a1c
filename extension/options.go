package extension

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/plugin"
	"github.com/xraph/minutes/store"
)

// Option configures the minutes Forge extension.
type Option func(*Extension)

// WithStore sets the store for the minutes engine. It takes precedence
// over WithGroveDB.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB sets the grove.DB the store backend is built around. The
// backend is chosen by Config.StoreDriver.
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.StoreDriver = driver
	}
}

// WithRedisClient sets the client behind the distributed tenant lock.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(e *Extension) { e.redis = c }
}

// WithEngineOption passes a minutes.Option through to the underlying engine.
func WithEngineOption(opt minutes.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a minutes plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, minutes.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMaxConflictRetries bounds optimistic-concurrency retries.
func WithMaxConflictRetries(n int) Option {
	return func(e *Extension) { e.config.MaxConflictRetries = n }
}

// WithPricingRefreshInterval sets how often pricing is reloaded.
func WithPricingRefreshInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.PricingRefreshInterval = d }
}

// WithEnforcePoolOnPlanChange validates whitelabel pools on plan changes.
func WithEnforcePoolOnPlanChange() Option {
	return func(e *Extension) { e.config.EnforcePoolOnPlanChange = true }
}

// WithMetrics registers the Prometheus-backed metrics plugin.
func WithMetrics() Option {
	return func(e *Extension) { e.config.EnableMetrics = true }
}
