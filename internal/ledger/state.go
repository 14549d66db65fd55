package ledger

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// transitions lists every legal move. Terminal states have no entry.
var transitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:    {WithdrawalProcessing, WithdrawalCompleted, WithdrawalCancelled, WithdrawalFailed},
	WithdrawalProcessing: {WithdrawalCompleted, WithdrawalCancelled, WithdrawalFailed},
}

// Valid reports whether s is a known status.
func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted, WithdrawalCancelled, WithdrawalFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s WithdrawalStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Reserved reports whether a withdrawal in state s still holds funds in
// PendingWithdrawals.
func (s WithdrawalStatus) Reserved() bool {
	return s == WithdrawalPending || s == WithdrawalProcessing
}

func canTransition(from, to WithdrawalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
