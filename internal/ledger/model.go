package ledger

import (
	"fmt"
	"time"
)

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	KindSale       EntryKind = "sale"
	KindWithdrawal EntryKind = "withdrawal"
	KindFee        EntryKind = "fee"
	KindAdjustment EntryKind = "adjustment"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindSale, KindWithdrawal, KindFee, KindAdjustment:
		return true
	}
	return false
}

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Entry is one audit record in a seller's ledger. Amount is the signed effect on the
// seller's current balance at the time of posting. Only Status and ResolvedAt change
// after the entry is appended, and only once (pending to completed or failed).
type Entry struct {
	ID           string
	SellerID     string
	Kind         EntryKind
	Amount       int64
	BalanceAfter int64
	OrderRef     string
	WithdrawalID string
	Status       EntryStatus
	Description  string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	Metadata     map[string]string
}

// Resolution is the bounded status update applied to a pending entry.
type Resolution struct {
	EntryID string
	Status  EntryStatus
	At      time.Time
}

// Withdrawal is a single withdrawal attempt owned by an account.
type Withdrawal struct {
	ID                 string
	SellerID           string
	Amount             int64
	Status             WithdrawalStatus
	RequestedAt        time.Time
	ProcessedAt        *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	Notes              string
	CancellationReason string
	SettlementRef      string
	GatewayRef         string
	EntryID            string
	Metadata           map[string]string
}

// Account is the per-seller aggregate of running totals. Ledger entries are linked
// through the store rather than embedded.
type Account struct {
	SellerID           string
	TotalEarnings      int64
	TotalOrders        int64
	CurrentBalance     int64
	PendingWithdrawals int64
	WithdrawnTotal     int64
	LastUpdated        time.Time
	Version            int64
	Withdrawals        map[string]Withdrawal
}

// Snapshot is a read-only copy of an account's totals.
type Snapshot struct {
	SellerID           string
	TotalEarnings      int64
	TotalOrders        int64
	CurrentBalance     int64
	PendingWithdrawals int64
	WithdrawnTotal     int64
	LastUpdated        time.Time
	Version            int64
}

// WithdrawalHandle is returned when a withdrawal has been reserved.
type WithdrawalHandle struct {
	Withdrawal Withdrawal
	Account    Snapshot
}

// WithdrawalRef locates a withdrawal across sellers.
type WithdrawalRef struct {
	SellerID     string
	WithdrawalID string
	Status       WithdrawalStatus
	RequestedAt  time.Time
}

// EntryFilter narrows a ledger listing. Page is 1-based.
type EntryFilter struct {
	Kind         EntryKind
	WithdrawalID string
	Page         int
	Limit        int
}

// EntryPage is one page of entries, newest first.
type EntryPage struct {
	Entries []Entry
	Total   int
	Page    int
	Limit   int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

func (f EntryFilter) normalize() EntryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

func (f EntryFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

func (f EntryFilter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.WithdrawalID != "" && e.WithdrawalID != f.WithdrawalID {
		return false
	}
	return true
}

func (a Account) snapshot() Snapshot {
	return Snapshot{
		SellerID:           a.SellerID,
		TotalEarnings:      a.TotalEarnings,
		TotalOrders:        a.TotalOrders,
		CurrentBalance:     a.CurrentBalance,
		PendingWithdrawals: a.PendingWithdrawals,
		WithdrawnTotal:     a.WithdrawnTotal,
		LastUpdated:        a.LastUpdated,
		Version:            a.Version,
	}
}

func (a Account) clone() Account {
	out := a
	out.Withdrawals = make(map[string]Withdrawal, len(a.Withdrawals))
	for id, w := range a.Withdrawals {
		out.Withdrawals[id] = w.clone()
	}
	return out
}

func (w Withdrawal) clone() Withdrawal {
	out := w
	out.ProcessedAt = copyTime(w.ProcessedAt)
	out.CompletedAt = copyTime(w.CompletedAt)
	out.CancelledAt = copyTime(w.CancelledAt)
	out.Metadata = copyMetadata(w.Metadata)
	return out
}

func (e Entry) clone() Entry {
	out := e
	out.ResolvedAt = copyTime(e.ResolvedAt)
	out.Metadata = copyMetadata(e.Metadata)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Metadata limits per entry or withdrawal.
const (
	maxMetadataKeys     = 16
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 256
)

func checkMetadata(m map[string]string) error {
	if len(m) > maxMetadataKeys {
		return fmt.Errorf("%d keys, at most %d allowed: %w", len(m), maxMetadataKeys, ErrInvalidMetadata)
	}
	for k, v := range m {
		if k == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("key %q: %w", k, ErrInvalidMetadata)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("value for %q exceeds %d bytes: %w", k, maxMetadataValueLen, ErrInvalidMetadata)
		}
	}
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
