package extension

import "time"

// Store driver names accepted by Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the minutes extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.minutes" or "minutes" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// StoreDriver selects the backend built around the grove.DB passed with
	// WithGroveDB: postgres, sqlite or mongo. Without a grove.DB the memory
	// store is used (default: "memory").
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// MaxConflictRetries bounds optimistic-concurrency retries per
	// operation (default: 3).
	MaxConflictRetries int `json:"max_conflict_retries" mapstructure:"max_conflict_retries" yaml:"max_conflict_retries"`

	// PricingRefreshInterval is how often the pricing snapshot is reloaded
	// (default: 1m).
	PricingRefreshInterval time.Duration `json:"pricing_refresh_interval" mapstructure:"pricing_refresh_interval" yaml:"pricing_refresh_interval"`

	// QuoteTimeout bounds the fresh pricing read behind Quote (default: 2s).
	QuoteTimeout time.Duration `json:"quote_timeout" mapstructure:"quote_timeout" yaml:"quote_timeout"`

	// LaneIdleTimeout retires idle per-tenant serialization lanes
	// (default: 30s).
	LaneIdleTimeout time.Duration `json:"lane_idle_timeout" mapstructure:"lane_idle_timeout" yaml:"lane_idle_timeout"`

	// RecentSessionCacheSize is the number of recent usage results kept
	// in-process for duplicate webhooks (default: 4096).
	RecentSessionCacheSize int `json:"recent_session_cache_size" mapstructure:"recent_session_cache_size" yaml:"recent_session_cache_size"`

	// EnforcePoolOnPlanChange validates whitelabel pools on plan changes.
	EnforcePoolOnPlanChange bool `json:"enforce_pool_on_plan_change" mapstructure:"enforce_pool_on_plan_change" yaml:"enforce_pool_on_plan_change"`

	// HookTimeout bounds each plugin hook call (default: 5s).
	HookTimeout time.Duration `json:"hook_timeout" mapstructure:"hook_timeout" yaml:"hook_timeout"`

	// RedisAddr enables the Redis tenant lock when set.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// LockTimeout bounds acquisition of the distributed tenant lock
	// (default: 5s).
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// EnableMetrics registers the Prometheus-backed metrics plugin.
	EnableMetrics bool `json:"enable_metrics" mapstructure:"enable_metrics" yaml:"enable_metrics"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:            DriverMemory,
		MaxConflictRetries:     3,
		PricingRefreshInterval: time.Minute,
		QuoteTimeout:           2 * time.Second,
		LaneIdleTimeout:        30 * time.Second,
		RecentSessionCacheSize: 4096,
		HookTimeout:            5 * time.Second,
		LockTimeout:            5 * time.Second,
	}
}
