package minutes

import "github.com/xraph/minutes/id"

// ID is the primary identifier type for all minutes entities.
type ID = id.ID

// AccountID identifies an account and its allocation.
type AccountID = id.AccountID

// CorrelationID ties the entries of one transfer or purchase together.
type CorrelationID = id.CorrelationID
