// Package minutes provides a hierarchical minute-quota allocation and usage
// ledger for Go applications.
//
// Minutes is a library, not a service. The platform sells call minutes to
// a root tenant and to whitelabel tenants; each whitelabel tenant is owned
// by one admin whose own limit caps the pool it resells to its customers.
// It provides:
//
//   - Pool validation that keeps customer allocations within the admin's cap
//   - Atomic admin to customer transfers with paired ledger entries
//   - Direct and delegated purchases priced with fixed-point decimals
//   - Idempotent, fail-open usage deduction keyed by call session
//   - Plan changes that reset an account's allocation
//   - An append-only ledger where corrections are new entries
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/minutes"
//	    "github.com/xraph/minutes/store/memory"
//	)
//
//	eng := minutes.New(memory.New())
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Every account owns one Allocation of (limit, used). A limit of zero is
// the unlimited sentinel, distinct from zero minutes remaining.
//
// A whitelabel admin transfers minutes to a customer:
//
//	res, err := eng.AllocateForCustomer(ctx, adminID, customerID, 300)
//	if minutes.IsQuotaError(err) {
//	    // the pool cannot hold it; nothing was written
//	}
//
// A call-completion event deducts usage once per session:
//
//	res, err := eng.DeductUsageSeconds(ctx, accountID, sessionID, 125) // bills 3 minutes
//	if res.ExceededLimit {
//	    // caller policy decides what happens next
//	}
//
// # Consistency
//
// Operations that change a tenant's pool run one at a time per tenant
// inside the process, optionally under a cross-process lock.lock.Locker,
// and every allocation write is checked against the row version. Backends
// implementing store.Committer apply multi-row writes in one transaction;
// others run a saga that compensates and surfaces PartialFailureError.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	lent_01h2xcejqtf2nbrexx3vqjhp41  // Ledger entry ID
//	xfer_01h455vb4pex5vsknk084sn02q  // Transfer correlation ID
package minutes
