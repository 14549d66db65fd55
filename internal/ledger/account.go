package ledger

import (
	"fmt"
	"time"
)

// op collects everything a single engine operation did to an account so the store
// can persist it as one unit.
type op struct {
	sellerID    string
	now         time.Time
	newID       func() string
	appended    []Entry
	resolved    []Resolution
	withdrawals []Withdrawal
	noop        bool
}

func (o *op) post(a *Account, e Entry) Entry {
	e.ID = o.newID()
	e.SellerID = a.SellerID
	e.BalanceAfter = a.CurrentBalance
	e.CreatedAt = o.now
	o.appended = append(o.appended, e)
	return e
}

func (o *op) touch(w Withdrawal) {
	for i := range o.withdrawals {
		if o.withdrawals[i].ID == w.ID {
			o.withdrawals[i] = w
			return
		}
	}
	o.withdrawals = append(o.withdrawals, w)
}

func newAccount(sellerID string, at time.Time) Account {
	return Account{
		SellerID:    sellerID,
		LastUpdated: at,
		Withdrawals: make(map[string]Withdrawal),
	}
}

func (a *Account) credit(o *op, amount int64, orderRef, description string, metadata map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("credit %d: %w", amount, ErrInvalidAmount)
	}
	if description == "" {
		description = fmt.Sprintf("sale for order %s", orderRef)
	}
	a.TotalEarnings += amount
	a.TotalOrders++
	a.CurrentBalance += amount
	o.post(a, Entry{
		Kind:        KindSale,
		Amount:      amount,
		OrderRef:    orderRef,
		Status:      EntryCompleted,
		Description: description,
		Metadata:    copyMetadata(metadata),
	})
	return nil
}

// chargeFee is a negative credit: it lowers earnings and available balance together.
func (a *Account) chargeFee(o *op, amount int64, orderRef, description string) error {
	if amount <= 0 {
		return fmt.Errorf("fee %d: %w", amount, ErrInvalidAmount)
	}
	if amount > a.CurrentBalance {
		return fmt.Errorf("fee %d exceeds balance %d: %w", amount, a.CurrentBalance, ErrInsufficientFunds)
	}
	if description == "" {
		description = "platform fee"
	}
	a.TotalEarnings -= amount
	a.CurrentBalance -= amount
	o.post(a, Entry{
		Kind:        KindFee,
		Amount:      -amount,
		OrderRef:    orderRef,
		Status:      EntryCompleted,
		Description: description,
	})
	return nil
}

func (a *Account) adjust(o *op, delta int64, description string) error {
	if delta == 0 {
		return fmt.Errorf("adjustment of zero: %w", ErrInvalidAmount)
	}
	if a.CurrentBalance+delta < 0 {
		return fmt.Errorf("adjustment %d exceeds balance %d: %w", delta, a.CurrentBalance, ErrInsufficientFunds)
	}
	if description == "" {
		description = "manual adjustment"
	}
	a.TotalEarnings += delta
	a.CurrentBalance += delta
	o.post(a, Entry{
		Kind:        KindAdjustment,
		Amount:      delta,
		Status:      EntryCompleted,
		Description: description,
	})
	return nil
}

// reserve moves amount from the available balance into PendingWithdrawals and opens
// a pending withdrawal with its matching ledger entry.
func (a *Account) reserve(o *op, amount int64, notes string, metadata map[string]string) (Withdrawal, error) {
	if amount <= 0 {
		return Withdrawal{}, fmt.Errorf("withdrawal %d: %w", amount, ErrInvalidAmount)
	}
	if amount > a.CurrentBalance {
		return Withdrawal{}, fmt.Errorf("withdrawal %d exceeds balance %d: %w", amount, a.CurrentBalance, ErrInsufficientFunds)
	}

	a.CurrentBalance -= amount
	a.PendingWithdrawals += amount

	w := Withdrawal{
		ID:          o.newID(),
		SellerID:    a.SellerID,
		Amount:      amount,
		Status:      WithdrawalPending,
		RequestedAt: o.now,
		Notes:       notes,
		Metadata:    copyMetadata(metadata),
	}
	entry := o.post(a, Entry{
		Kind:         KindWithdrawal,
		Amount:       -amount,
		WithdrawalID: w.ID,
		Status:       EntryPending,
		Description:  "withdrawal requested",
		Metadata:     copyMetadata(metadata),
	})
	w.EntryID = entry.ID

	a.Withdrawals[w.ID] = w
	o.touch(w)
	return w, nil
}

func (a *Account) withdrawal(id string) (Withdrawal, error) {
	w, ok := a.Withdrawals[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	return w, nil
}

func (a *Account) markProcessing(o *op, id, gatewayRef string) (Withdrawal, error) {
	w, err := a.withdrawal(id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status == WithdrawalProcessing {
		o.noop = true
		return w, nil
	}
	if !canTransition(w.Status, WithdrawalProcessing) {
		return Withdrawal{}, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidState)
	}
	at := o.now
	w.Status = WithdrawalProcessing
	w.ProcessedAt = &at
	w.GatewayRef = gatewayRef
	a.Withdrawals[id] = w
	o.touch(w)
	return w, nil
}

// settle completes a reserved withdrawal. A second settle of the same request is a
// no-op so gateways may report success more than once.
func (a *Account) settle(o *op, id, settlementRef string) (Withdrawal, error) {
	w, err := a.withdrawal(id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status == WithdrawalCompleted {
		o.noop = true
		return w, nil
	}
	if !canTransition(w.Status, WithdrawalCompleted) {
		return Withdrawal{}, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidState)
	}

	a.PendingWithdrawals -= w.Amount
	a.WithdrawnTotal += w.Amount

	at := o.now
	w.Status = WithdrawalCompleted
	w.CompletedAt = &at
	if w.ProcessedAt == nil {
		w.ProcessedAt = &at
	}
	w.SettlementRef = settlementRef
	a.Withdrawals[id] = w
	o.touch(w)
	o.resolved = append(o.resolved, Resolution{EntryID: w.EntryID, Status: EntryCompleted, At: at})
	return w, nil
}

// release returns a reserved withdrawal's funds to the available balance and closes
// the request as cancelled or failed.
func (a *Account) release(o *op, id string, to WithdrawalStatus, reason string) (Withdrawal, error) {
	w, err := a.withdrawal(id)
	if err != nil {
		return Withdrawal{}, err
	}
	if to != WithdrawalCancelled && to != WithdrawalFailed {
		return Withdrawal{}, fmt.Errorf("release to %s: %w", to, ErrInvalidState)
	}
	if !canTransition(w.Status, to) {
		return Withdrawal{}, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidState)
	}

	a.PendingWithdrawals -= w.Amount
	a.CurrentBalance += w.Amount

	at := o.now
	w.Status = to
	w.CancelledAt = &at
	w.CancellationReason = reason
	a.Withdrawals[id] = w
	o.touch(w)
	o.resolved = append(o.resolved, Resolution{EntryID: w.EntryID, Status: EntryFailed, At: at})
	return w, nil
}

// expire cancels a withdrawal only while it is still pending and no gateway
// reference was recorded for it.
func (a *Account) expire(o *op, id, reason string) (Withdrawal, error) {
	w, err := a.withdrawal(id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status != WithdrawalPending || w.GatewayRef != "" {
		return Withdrawal{}, fmt.Errorf("withdrawal %s is %s with gateway ref %q: %w", id, w.Status, w.GatewayRef, ErrInvalidState)
	}
	return a.release(o, id, WithdrawalCancelled, reason)
}

func (a Account) checkInvariants() error {
	if a.CurrentBalance < 0 {
		return fmt.Errorf("seller %s: negative balance %d: %w", a.SellerID, a.CurrentBalance, ErrInvariant)
	}
	if a.PendingWithdrawals < 0 {
		return fmt.Errorf("seller %s: negative pending withdrawals %d: %w", a.SellerID, a.PendingWithdrawals, ErrInvariant)
	}
	if a.WithdrawnTotal < 0 {
		return fmt.Errorf("seller %s: negative withdrawn total %d: %w", a.SellerID, a.WithdrawnTotal, ErrInvariant)
	}
	if sum := a.CurrentBalance + a.PendingWithdrawals + a.WithdrawnTotal; sum != a.TotalEarnings {
		return fmt.Errorf("seller %s: earnings %d != balance+pending+withdrawn %d: %w", a.SellerID, a.TotalEarnings, sum, ErrInvariant)
	}
	return nil
}
