// Package allocation defines the per-account minute quota row.
package allocation

import (
	"math"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/types"
)

// Unlimited is the Limit sentinel meaning "no cap". It is distinct from
// zero minutes remaining.
const Unlimited int64 = 0

// Allocation is an account's quota: Limit minutes granted, Used minutes
// consumed (or, for a whitelabel admin, sold on to customers).
// Version increases by one on every committed write.
type Allocation struct {
	types.Entity
	AccountID id.AccountID `json:"account_id"`
	Tenant    string       `json:"tenant"`
	Role      account.Role `json:"role"`
	Limit     int64        `json:"limit"`
	Used      int64        `json:"used"`
	Version   int64        `json:"version"`
	PlanKey   string       `json:"plan_key,omitempty"`
}

// New returns the initial allocation for a freshly opened account.
func New(a account.Account) *Allocation {
	return &Allocation{
		Entity:    types.NewEntity(),
		AccountID: a.ID,
		Tenant:    a.NormalizedTenant(),
		Role:      a.Role,
		Limit:     Unlimited,
	}
}

// Account returns the identity the row belongs to.
func (a *Allocation) Account() account.Account {
	return account.Account{ID: a.AccountID, Tenant: a.Tenant, Role: a.Role}
}

// IsUnlimited reports whether the allocation carries the unlimited sentinel.
func (a *Allocation) IsUnlimited() bool { return a.Limit == Unlimited }

// IsAdmin reports whether the row is a tenant admin's pool.
func (a *Allocation) IsAdmin() bool { return a.Role == account.RoleAdmin }

// Remaining returns unused minutes, clamped at zero; -1 means unlimited.
func (a *Allocation) Remaining() int64 {
	if a.IsUnlimited() {
		return -1
	}
	return max(0, a.Limit-a.Used)
}

// Exceeded reports whether usage went past a finite limit.
func (a *Allocation) Exceeded() bool {
	return a.Limit > 0 && a.Used > a.Limit
}

// PercentUsed returns used/limit as a whole percentage. It can exceed 100.
func (a *Allocation) PercentUsed() int64 {
	if a.Limit <= 0 {
		return 0
	}
	return int64(math.Round(float64(a.Used) * 100 / float64(a.Limit)))
}

// Clone returns a copy safe to mutate.
func (a *Allocation) Clone() *Allocation {
	c := *a
	return &c
}

// Summary is the read view of an allocation.
type Summary struct {
	AccountID   id.AccountID `json:"account_id"`
	Tenant      string       `json:"tenant"`
	Total       int64        `json:"total"`
	Used        int64        `json:"used"`
	Remaining   int64        `json:"remaining"`
	PercentUsed int64        `json:"percent_used"`
	Unlimited   bool         `json:"unlimited"`
	Exceeded    bool         `json:"exceeded"`
	PlanKey     string       `json:"plan_key,omitempty"`
}

// Summarize builds the read view of a.
func Summarize(a *Allocation) Summary {
	return Summary{
		AccountID:   a.AccountID,
		Tenant:      a.Tenant,
		Total:       a.Limit,
		Used:        a.Used,
		Remaining:   a.Remaining(),
		PercentUsed: a.PercentUsed(),
		Unlimited:   a.IsUnlimited(),
		Exceeded:    a.Exceeded(),
		PlanKey:     a.PlanKey,
	}
}
