// Package plan is the read-only catalog of subscription plans that set an
// account's included minutes.
package plan

import (
	"strings"

	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/types"
)

// Plan is a tenant's plan definition. Tenant is empty for root plans.
type Plan struct {
	types.Entity
	ID         id.PlanID `json:"id"`
	Key        string    `json:"key"`
	Tenant     string    `json:"tenant"`
	Name       string    `json:"name"`
	Minutes    int64     `json:"minutes"`
	PayAsYouGo bool      `json:"pay_as_you_go"`
	Active     bool      `json:"active"`
}

// LimitMinutes returns the allocation limit the plan grants. Pay-as-you-go
// plans carry no included minutes and map to the unlimited sentinel, as do
// plans that leave Minutes unset.
func (p *Plan) LimitMinutes() int64 {
	if p.PayAsYouGo || p.Minutes < 0 {
		return 0
	}
	return p.Minutes
}

// NormalizeKey lower-cases and trims a plan key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
