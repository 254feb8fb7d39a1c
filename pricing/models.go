// Package pricing holds per-tenant minute prices and the versioned snapshot
// the engine reads them from.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/minutes/types"
)

// Defaults applied when a tenant has no stored configuration.
var (
	DefaultPricePerMinute = decimal.RequireFromString("0.01")
	DefaultCurrency       = "usd"
)

// Config is a tenant's price list.
type Config struct {
	Tenant          string          `json:"tenant"`
	PricePerMinute  decimal.Decimal `json:"price_per_minute"`
	MinimumPurchase int64           `json:"minimum_purchase"`
	Currency        string          `json:"currency"`
	Active          bool            `json:"active"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Default returns the fallback configuration for tenant.
func Default(tenant string) Config {
	return Config{
		Tenant:         tenant,
		PricePerMinute: DefaultPricePerMinute,
		Currency:       DefaultCurrency,
		Active:         true,
	}
}

// Validate checks the configuration is usable for purchases.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Tenant) == "":
		return errors.New("tenant is required")
	case c.PricePerMinute.IsNegative():
		return fmt.Errorf("price per minute %s must not be negative", c.PricePerMinute)
	case c.MinimumPurchase < 0:
		return fmt.Errorf("minimum purchase %d must not be negative", c.MinimumPurchase)
	case len(c.Currency) != 3:
		return fmt.Errorf("currency %q must be an ISO 4217 code", c.Currency)
	}
	return nil
}

// Amount prices minutes, rounded to the currency's minor unit.
func (c Config) Amount(minutes int64) types.Money {
	return types.New(c.PricePerMinute, c.Currency).Multiply(minutes).Round()
}

// UnitPrice returns the per-minute price as Money (unrounded).
func (c Config) UnitPrice() types.Money {
	return types.New(c.PricePerMinute, c.Currency)
}

// Below reports whether minutes is under the configured minimum.
func (c Config) Below(minutes int64) bool {
	return c.MinimumPurchase > 0 && minutes < c.MinimumPurchase
}
