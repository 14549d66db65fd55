package ledger

import (
	"context"
	"time"
)

// Commit is the unit of persistence for one engine operation: the account's new
// totals plus the entries and withdrawals it touched. Stores must apply it
// atomically and only if the stored version still equals PrevVersion.
type Commit struct {
	Account     Account
	PrevVersion int64
	Appended    []Entry
	Resolved    []Resolution
	Withdrawals []Withdrawal
}

// Store defines the contract implemented by persistence backends (memory, Postgres,
// SQLite). Loaded values are copies; callers may mutate them freely.
type Store interface {
	// Load returns the account or ErrNotFound.
	Load(ctx context.Context, sellerID string) (Account, error)
	// Create inserts an empty account, returning the existing one if present.
	Create(ctx context.Context, sellerID string, at time.Time) (Account, error)
	// Commit persists an operation or returns ErrVersionConflict.
	Commit(ctx context.Context, c Commit) error
	// Entries lists a seller's entries newest first.
	Entries(ctx context.Context, sellerID string, filter EntryFilter) (EntryPage, error)
	// StaleWithdrawals lists reserved withdrawals requested before the cutoff.
	StaleWithdrawals(ctx context.Context, before time.Time, limit int) ([]WithdrawalRef, error)
}
