package plan

import "context"

// Store reads and seeds plan definitions. Catalog management lives outside
// the engine; SavePlan exists so deployments can seed it.
type Store interface {
	// GetPlan returns the active plan with key in tenant ("" for root).
	GetPlan(ctx context.Context, tenant, key string) (*Plan, error)
	SavePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context, tenant string) ([]*Plan, error)
}
