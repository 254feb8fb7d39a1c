// Package extension provides the Forge extension adapter for the minutes
// engine.
//
// It implements the forge.Extension interface to integrate the engine
// into a Forge application with DI registration, store selection and
// lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.minutes" or "minutes" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/minutes"
	"github.com/xraph/minutes/lock/redislock"
	"github.com/xraph/minutes/observability"
	"github.com/xraph/minutes/store"
	"github.com/xraph/minutes/store/memory"
	mongostore "github.com/xraph/minutes/store/mongo"
	pgstore "github.com/xraph/minutes/store/postgres"
	sqlitestore "github.com/xraph/minutes/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "minutes"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Hierarchical minute quota allocation and usage ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the minutes engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *minutes.Engine
	store      store.Store
	groveDB    *grove.DB
	redis      redis.UniversalClient
	ownsRedis  bool
	engineOpts []minutes.Option
}

// New creates a new minutes Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Engine.
// This is nil until Register is called.
func (e *Extension) Engine() *minutes.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := newStore(e.config.StoreDriver, e.groveDB)
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = minutes.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*minutes.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("minutes: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	defer e.MarkStopped()

	var errs []error
	if e.engine != nil {
		errs = append(errs, e.engine.Stop())
	}
	if e.ownsRedis && e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("minutes: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.redis != nil {
		return e.redis.Ping(ctx).Err()
	}
	return nil
}

// newStore builds the backend named by driver around db.
func newStore(driver string, db *grove.DB) (store.Store, error) {
	if driver == "" || driver == DriverMemory {
		return memory.New(), nil
	}
	if db == nil {
		return nil, fmt.Errorf("minutes: store driver %q requires a grove database", driver)
	}
	switch driver {
	case DriverPostgres:
		return pgstore.New(db), nil
	case DriverSQLite:
		return sqlitestore.New(db), nil
	case DriverMongo:
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("minutes: unknown store driver %q", driver)
	}
}

// buildEngineOpts constructs minutes.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []minutes.Option {
	opts := make([]minutes.Option, 0, len(e.engineOpts)+10)

	opts = append(opts,
		minutes.WithMaxConflictRetries(e.config.MaxConflictRetries),
		minutes.WithPricingRefreshInterval(e.config.PricingRefreshInterval),
		minutes.WithQuoteTimeout(e.config.QuoteTimeout),
		minutes.WithLaneIdleTimeout(e.config.LaneIdleTimeout),
		minutes.WithRecentSessionCache(e.config.RecentSessionCacheSize),
		minutes.WithHookTimeout(e.config.HookTimeout),
		minutes.WithLockTimeout(e.config.LockTimeout),
		minutes.WithEnforcePoolOnPlanChange(e.config.EnforcePoolOnPlanChange),
	)

	if e.redis == nil && e.config.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: e.config.RedisAddr})
		e.ownsRedis = true
	}
	if e.redis != nil {
		opts = append(opts, minutes.WithLocker(redislock.New(e.redis)))
	}

	if e.config.EnableMetrics {
		metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(nil))
		opts = append(opts, minutes.WithPlugin(metrics))
	}

	// Pass-through options win over config-derived ones.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("minutes: configuration is required but not found in config files; " +
				"ensure 'extensions.minutes' or 'minutes' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("minutes: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("max_conflict_retries", e.config.MaxConflictRetries),
		forge.F("pricing_refresh_interval", e.config.PricingRefreshInterval),
		forge.F("enforce_pool_on_plan_change", e.config.EnforcePoolOnPlanChange),
		forge.F("redis_lock", e.config.RedisAddr != "" || e.redis != nil),
		forge.F("metrics", e.config.EnableMetrics),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.minutes", "minutes"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("minutes: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("minutes: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.MaxConflictRetries == 0 {
		cfg.MaxConflictRetries = defaults.MaxConflictRetries
	}
	if cfg.PricingRefreshInterval == 0 {
		cfg.PricingRefreshInterval = defaults.PricingRefreshInterval
	}
	if cfg.QuoteTimeout == 0 {
		cfg.QuoteTimeout = defaults.QuoteTimeout
	}
	if cfg.LaneIdleTimeout == 0 {
		cfg.LaneIdleTimeout = defaults.LaneIdleTimeout
	}
	if cfg.RecentSessionCacheSize == 0 {
		cfg.RecentSessionCacheSize = defaults.RecentSessionCacheSize
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = defaults.HookTimeout
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.EnforcePoolOnPlanChange {
		yamlConfig.EnforcePoolOnPlanChange = true
	}
	if programmaticConfig.EnableMetrics {
		yamlConfig.EnableMetrics = true
	}

	if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
	}
	if yamlConfig.MaxConflictRetries == 0 {
		yamlConfig.MaxConflictRetries = programmaticConfig.MaxConflictRetries
	}
	if yamlConfig.PricingRefreshInterval == 0 {
		yamlConfig.PricingRefreshInterval = programmaticConfig.PricingRefreshInterval
	}
	if yamlConfig.QuoteTimeout == 0 {
		yamlConfig.QuoteTimeout = programmaticConfig.QuoteTimeout
	}
	if yamlConfig.LaneIdleTimeout == 0 {
		yamlConfig.LaneIdleTimeout = programmaticConfig.LaneIdleTimeout
	}
	if yamlConfig.RecentSessionCacheSize == 0 {
		yamlConfig.RecentSessionCacheSize = programmaticConfig.RecentSessionCacheSize
	}
	if yamlConfig.HookTimeout == 0 {
		yamlConfig.HookTimeout = programmaticConfig.HookTimeout
	}
	if yamlConfig.LockTimeout == 0 {
		yamlConfig.LockTimeout = programmaticConfig.LockTimeout
	}

	return mergeWithDefaults(yamlConfig)
}
