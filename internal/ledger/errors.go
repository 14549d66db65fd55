package ledger

import "errors"

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds occurs when the seller's available balance cannot cover
	// a withdrawal or fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned for unknown sellers or withdrawal identifiers.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the operation is not legal for the withdrawal's
	// current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrVersionConflict is returned by stores when the account changed since it was
	// loaded. The engine retries on it.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrInvalidFilter is returned when a listing filter names an unknown kind or status.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidMetadata is returned when caller metadata has too many or oversized
	// keys or values.
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrInvariant signals a bug: a mutation would have broken the balance identity.
	ErrInvariant = errors.New("ledger invariant violated")
)
