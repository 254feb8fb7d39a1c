package minutes

import (
	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/types"
)

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Account is re-exported from account package.
type Account = account.Account

// Allocation is re-exported from allocation package.
type Allocation = allocation.Allocation

// Re-export role and tenant constants
const (
	RoleAdmin    = account.RoleAdmin
	RoleCustomer = account.RoleCustomer
	RootTenant   = account.RootTenant
	Unlimited    = allocation.Unlimited
)

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	JPY  = types.JPY
	Zero = types.Zero
	Sum  = types.Sum
)
