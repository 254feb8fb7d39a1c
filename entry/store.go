package entry

import (
	"context"

	"github.com/xraph/minutes/id"
)

// Store persists ledger entries. Entries are never updated or deleted.
type Store interface {
	// AppendEntry stores e. A non-empty IdempotencyKey that already exists
	// is rejected with a duplicate error and nothing is written.
	AppendEntry(ctx context.Context, e *Entry) error

	// FindEntryByIdempotencyKey returns the entry stored under key.
	FindEntryByIdempotencyKey(ctx context.Context, key string) (*Entry, error)

	// ListEntries returns an account's entries, newest first.
	ListEntries(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*Entry, error)

	// ListEntriesByCorrelation returns every entry sharing corr, oldest first.
	ListEntriesByCorrelation(ctx context.Context, corr id.CorrelationID) ([]*Entry, error)
}
