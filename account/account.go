// Package account models the two-level tenant hierarchy: a root tenant and
// whitelabel tenants, each owned by exactly one admin account.
package account

import (
	"github.com/xraph/minutes/id"
)

// RootTenant is the tenant slug of the platform itself.
const RootTenant = "main"

// Role is an account's role within its tenant.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleCustomer
}

// Account is an identity resolved by the caller. The engine never
// authenticates; it trusts the tenant and role it is handed.
type Account struct {
	ID     id.AccountID `json:"id"`
	Tenant string       `json:"tenant"`
	Role   Role         `json:"role"`
}

// IsRoot reports whether the account lives in the root tenant.
func (a Account) IsRoot() bool {
	return a.Tenant == "" || a.Tenant == RootTenant
}

// IsWhitelabelAdmin reports whether the account owns a whitelabel pool.
func (a Account) IsWhitelabelAdmin() bool {
	return !a.IsRoot() && a.Role == RoleAdmin
}

// IsWhitelabelCustomer reports whether the account buys from a reseller.
func (a Account) IsWhitelabelCustomer() bool {
	return !a.IsRoot() && a.Role == RoleCustomer
}

// PricingTenant returns the tenant whose price list applies to the account.
// Root users and whitelabel admins buy at root prices; whitelabel customers
// buy at the price their reseller set.
func (a Account) PricingTenant() string {
	if a.IsWhitelabelCustomer() {
		return a.Tenant
	}
	return RootTenant
}

// NormalizedTenant returns the tenant slug with the root alias resolved.
func (a Account) NormalizedTenant() string {
	if a.Tenant == "" {
		return RootTenant
	}
	return a.Tenant
}

// Scope is the identity context resolved once per request and passed to
// every quota operation. Admin is set only for whitelabel customers.
type Scope struct {
	Account Account
	Admin   *Account
}

// PricingTenant returns the tenant whose price list applies.
func (s Scope) PricingTenant() string {
	return s.Account.PricingTenant()
}

// Delegated reports whether purchases draw on a reseller's pool.
func (s Scope) Delegated() bool {
	return s.Account.IsWhitelabelCustomer() && s.Admin != nil
}
