package ledger

import (
	"errors"
	"fmt"
)

// Reconcile replays entries and checks they explain the account's totals and the
// state of every withdrawal. Entries may be given in any order.
func Reconcile(acct Account, entries []Entry) error {
	var (
		errs      []error
		earnings  int64
		orders    int64
		pending   int64
		withdrawn int64
		byID      = make(map[string]Entry, len(entries))
	)

	for _, e := range entries {
		byID[e.ID] = e
		if e.BalanceAfter < 0 {
			errs = append(errs, fmt.Errorf("entry %s: negative balance snapshot %d", e.ID, e.BalanceAfter))
		}
		switch e.Kind {
		case KindSale:
			earnings += e.Amount
			orders++
		case KindFee, KindAdjustment:
			earnings += e.Amount
		case KindWithdrawal:
			switch e.Status {
			case EntryPending:
				pending -= e.Amount
			case EntryCompleted:
				withdrawn -= e.Amount
			}
			if e.WithdrawalID == "" {
				errs = append(errs, fmt.Errorf("entry %s: withdrawal entry without withdrawal id", e.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("entry %s: unknown kind %q", e.ID, e.Kind))
		}
	}

	check := func(name string, got, want int64) {
		if got != want {
			errs = append(errs, fmt.Errorf("%s: ledger replay %d, account %d", name, got, want))
		}
	}
	check("total earnings", earnings, acct.TotalEarnings)
	check("total orders", orders, acct.TotalOrders)
	check("pending withdrawals", pending, acct.PendingWithdrawals)
	check("withdrawn total", withdrawn, acct.WithdrawnTotal)
	check("current balance", earnings-pending-withdrawn, acct.CurrentBalance)

	for id, w := range acct.Withdrawals {
		e, ok := byID[w.EntryID]
		if !ok {
			errs = append(errs, fmt.Errorf("withdrawal %s: entry %s missing", id, w.EntryID))
			continue
		}
		if e.WithdrawalID != id || -e.Amount != w.Amount {
			errs = append(errs, fmt.Errorf("withdrawal %s: entry %s does not match request", id, e.ID))
		}
		if want := entryStatusFor(w.Status); e.Status != want {
			errs = append(errs, fmt.Errorf("withdrawal %s is %s but entry is %s", id, w.Status, e.Status))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("seller %s: %w", acct.SellerID, errors.Join(append([]error{ErrInvariant}, errs...)...))
}

func entryStatusFor(s WithdrawalStatus) EntryStatus {
	switch s {
	case WithdrawalCompleted:
		return EntryCompleted
	case WithdrawalCancelled, WithdrawalFailed:
		return EntryFailed
	default:
		return EntryPending
	}
}
