package pricing

import "context"

// Store persists pricing configuration.
type Store interface {
	GetPricing(ctx context.Context, tenant string) (*Config, error)
	SetPricing(ctx context.Context, c *Config) error
	ListPricing(ctx context.Context) ([]*Config, error)
}
