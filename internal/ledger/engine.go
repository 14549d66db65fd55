package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/seller_ledger/internal/logging"
	"github.com/congo-pay/seller_ledger/internal/metrics"
	"github.com/congo-pay/seller_ledger/internal/notification"
)

const maxCommitAttempts = 5

// Engine is the only writer of seller accounts. Mutations for one seller run one at
// a time; different sellers proceed in parallel.
type Engine struct {
	store    Store
	locks    *keyedMutex
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewEngine wires the engine to a store. notifier may be nil; it should not block
// (see notification.NewAsync).
func NewEngine(store Store, notifier notification.Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		locks:    newKeyedMutex(),
		notifier: notifier,
		logger:   logging.Component(logger, "ledger"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Credit records a completed sale for the seller, creating the account on first use.
// metadata is copied onto the sale entry.
func (e *Engine) Credit(ctx context.Context, sellerID string, amount int64, orderRef, description string, metadata map[string]string) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, e.fail("credit", fmt.Errorf("credit %d: %w", amount, ErrInvalidAmount))
	}
	if err := checkMetadata(metadata); err != nil {
		return Snapshot{}, e.fail("credit", err)
	}
	acct, _, err := e.mutate(ctx, "credit", sellerID, true, func(a *Account, o *op) error {
		return a.credit(o, amount, orderRef, description, metadata)
	})
	if err != nil {
		return Snapshot{}, err
	}
	metrics.LedgerAmount.WithLabelValues(string(KindSale)).Add(float64(amount))
	e.notify(ctx, acct, notification.KindSaleCredited, fmt.Sprintf("order %s credited", orderRef), "")
	return acct.snapshot(), nil
}

// ChargeFee deducts a platform fee from earnings and available balance.
func (e *Engine) ChargeFee(ctx context.Context, sellerID string, amount int64, orderRef, description string) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, e.fail("charge_fee", fmt.Errorf("fee %d: %w", amount, ErrInvalidAmount))
	}
	acct, _, err := e.mutate(ctx, "charge_fee", sellerID, false, func(a *Account, o *op) error {
		return a.chargeFee(o, amount, orderRef, description)
	})
	if err != nil {
		return Snapshot{}, err
	}
	metrics.LedgerAmount.WithLabelValues(string(KindFee)).Add(float64(amount))
	e.notify(ctx, acct, notification.KindFeeCharged, fmt.Sprintf("fee for order %s", orderRef), "")
	return acct.snapshot(), nil
}

// Adjust applies a signed correction to earnings and available balance.
func (e *Engine) Adjust(ctx context.Context, sellerID string, delta int64, description string) (Snapshot, error) {
	if delta == 0 {
		return Snapshot{}, e.fail("adjust", fmt.Errorf("adjustment of zero: %w", ErrInvalidAmount))
	}
	acct, _, err := e.mutate(ctx, "adjust", sellerID, false, func(a *Account, o *op) error {
		return a.adjust(o, delta, description)
	})
	if err != nil {
		return Snapshot{}, err
	}
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	metrics.LedgerAmount.WithLabelValues(string(KindAdjustment)).Add(float64(abs))
	e.notify(ctx, acct, notification.KindBalanceAdjusted, description, "")
	return acct.snapshot(), nil
}

// RequestWithdrawal reserves amount from the available balance. The balance check
// and the reservation happen under the seller's lock as one commit. metadata is
// kept on both the withdrawal and its ledger entry.
func (e *Engine) RequestWithdrawal(ctx context.Context, sellerID string, amount int64, notes string, metadata map[string]string) (WithdrawalHandle, error) {
	if amount <= 0 {
		return WithdrawalHandle{}, e.fail("request_withdrawal", fmt.Errorf("withdrawal %d: %w", amount, ErrInvalidAmount))
	}
	if err := checkMetadata(metadata); err != nil {
		return WithdrawalHandle{}, e.fail("request_withdrawal", err)
	}
	var w Withdrawal
	acct, _, err := e.mutate(ctx, "request_withdrawal", sellerID, false, func(a *Account, o *op) error {
		var err error
		w, err = a.reserve(o, amount, notes, metadata)
		return err
	})
	if err != nil {
		return WithdrawalHandle{}, err
	}
	metrics.LedgerAmount.WithLabelValues(string(KindWithdrawal)).Add(float64(amount))
	e.notify(ctx, acct, notification.KindWithdrawalRequested, fmt.Sprintf("withdrawal of %d requested", amount), w.ID)
	return WithdrawalHandle{Withdrawal: w, Account: acct.snapshot()}, nil
}

// MarkProcessing records that the request was handed to the disbursement gateway.
// Balances do not move.
func (e *Engine) MarkProcessing(ctx context.Context, sellerID, withdrawalID, gatewayRef string) (Withdrawal, error) {
	var w Withdrawal
	acct, o, err := e.mutate(ctx, "mark_processing", sellerID, false, func(a *Account, o *op) error {
		var err error
		w, err = a.markProcessing(o, withdrawalID, gatewayRef)
		return err
	})
	if err != nil {
		return Withdrawal{}, err
	}
	if !o.noop {
		e.notify(ctx, acct, notification.KindWithdrawalProcessing, "withdrawal sent to payout provider", w.ID)
	}
	return w, nil
}

// ConfirmWithdrawal settles a reserved withdrawal. Confirming an already completed
// request returns the current snapshot without error.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, sellerID, withdrawalID, settlementRef string) (Snapshot, error) {
	acct, o, err := e.mutate(ctx, "confirm_withdrawal", sellerID, false, func(a *Account, o *op) error {
		_, err := a.settle(o, withdrawalID, settlementRef)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !o.noop {
		e.notify(ctx, acct, notification.KindWithdrawalCompleted, "withdrawal paid out", withdrawalID)
	}
	return acct.snapshot(), nil
}

// CancelWithdrawal releases a reserved withdrawal back to the available balance.
func (e *Engine) CancelWithdrawal(ctx context.Context, sellerID, withdrawalID, reason string) (Snapshot, error) {
	return e.release(ctx, "cancel_withdrawal", sellerID, withdrawalID, WithdrawalCancelled, reason)
}

// FailWithdrawal is CancelWithdrawal for payouts the gateway reported as failed.
func (e *Engine) FailWithdrawal(ctx context.Context, sellerID, withdrawalID, reason string) (Snapshot, error) {
	return e.release(ctx, "fail_withdrawal", sellerID, withdrawalID, WithdrawalFailed, reason)
}

// ExpireWithdrawal cancels a withdrawal that never reached the disbursement gateway.
// Requests that are processing or carry a gateway reference return ErrInvalidState.
func (e *Engine) ExpireWithdrawal(ctx context.Context, sellerID, withdrawalID, reason string) (Snapshot, error) {
	acct, _, err := e.mutate(ctx, "expire_withdrawal", sellerID, false, func(a *Account, o *op) error {
		_, err := a.expire(o, withdrawalID, reason)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	e.notify(ctx, acct, notification.KindWithdrawalCancelled, reason, withdrawalID)
	return acct.snapshot(), nil
}

func (e *Engine) release(ctx context.Context, name, sellerID, withdrawalID string, to WithdrawalStatus, reason string) (Snapshot, error) {
	acct, _, err := e.mutate(ctx, name, sellerID, false, func(a *Account, o *op) error {
		_, err := a.release(o, withdrawalID, to, reason)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	kind := notification.KindWithdrawalCancelled
	if to == WithdrawalFailed {
		kind = notification.KindWithdrawalFailed
	}
	e.notify(ctx, acct, kind, reason, withdrawalID)
	return acct.snapshot(), nil
}

// GetAccount returns the seller's totals, creating an empty account on first access.
func (e *Engine) GetAccount(ctx context.Context, sellerID string) (Snapshot, error) {
	acct, err := e.store.Load(ctx, sellerID)
	if errors.Is(err, ErrNotFound) {
		acct, err = e.store.Create(ctx, sellerID, e.now().UTC())
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get account %s: %w", sellerID, err)
	}
	return acct.snapshot(), nil
}

// ListLedger returns one page of the seller's entries, newest first.
func (e *Engine) ListLedger(ctx context.Context, sellerID string, filter EntryFilter) (EntryPage, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return EntryPage{}, fmt.Errorf("kind %q: %w", filter.Kind, ErrInvalidFilter)
	}
	if _, err := e.store.Load(ctx, sellerID); err != nil {
		return EntryPage{}, fmt.Errorf("list ledger %s: %w", sellerID, err)
	}
	page, err := e.store.Entries(ctx, sellerID, filter.normalize())
	if err != nil {
		return EntryPage{}, fmt.Errorf("list ledger %s: %w", sellerID, err)
	}
	return page, nil
}

// GetWithdrawal returns a single withdrawal request.
func (e *Engine) GetWithdrawal(ctx context.Context, sellerID, withdrawalID string) (Withdrawal, error) {
	acct, err := e.store.Load(ctx, sellerID)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("get withdrawal: seller %s: %w", sellerID, err)
	}
	return acct.withdrawal(withdrawalID)
}

// ListWithdrawals returns the seller's withdrawals, newest first, optionally filtered
// by status.
func (e *Engine) ListWithdrawals(ctx context.Context, sellerID string, status WithdrawalStatus) ([]Withdrawal, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, ErrInvalidFilter)
	}
	acct, err := e.store.Load(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals %s: %w", sellerID, err)
	}
	out := make([]Withdrawal, 0, len(acct.Withdrawals))
	for _, w := range acct.Withdrawals {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

// StaleWithdrawals lists reserved withdrawals older than the cutoff across sellers.
func (e *Engine) StaleWithdrawals(ctx context.Context, before time.Time, limit int) ([]WithdrawalRef, error) {
	return e.store.StaleWithdrawals(ctx, before, limit)
}

// Verify replays the seller's full entry log against the account totals.
func (e *Engine) Verify(ctx context.Context, sellerID string) error {
	unlock := e.locks.lock(sellerID)
	defer unlock()

	acct, err := e.store.Load(ctx, sellerID)
	if err != nil {
		return fmt.Errorf("verify %s: %w", sellerID, err)
	}
	var entries []Entry
	for page := 1; ; page++ {
		res, err := e.store.Entries(ctx, sellerID, EntryFilter{Page: page, Limit: maxPageLimit})
		if err != nil {
			return fmt.Errorf("verify %s: %w", sellerID, err)
		}
		entries = append(entries, res.Entries...)
		if len(res.Entries) < maxPageLimit {
			break
		}
	}
	if err := acct.checkInvariants(); err != nil {
		return err
	}
	return Reconcile(acct, entries)
}

// mutate loads the account, applies fn to a copy and commits it. The stored account
// is untouched unless the commit succeeds.
func (e *Engine) mutate(ctx context.Context, name, sellerID string, create bool, fn func(*Account, *op) error) (Account, *op, error) {
	unlock := e.locks.lock(sellerID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := e.load(ctx, sellerID, create)
		if err != nil {
			return Account{}, nil, e.fail(name, fmt.Errorf("%s: seller %s: %w", name, sellerID, err))
		}

		next := current.clone()
		o := &op{sellerID: sellerID, now: e.now().UTC(), newID: e.newID}
		if err := fn(&next, o); err != nil {
			return Account{}, nil, e.fail(name, err)
		}
		if o.noop {
			metrics.LedgerOperations.WithLabelValues(name, "noop").Inc()
			return current, o, nil
		}
		if err := next.checkInvariants(); err != nil {
			e.logger.Error("mutation rejected", slog.String("operation", name), slog.Any("error", err))
			return Account{}, nil, e.fail(name, err)
		}

		next.Version = current.Version + 1
		next.LastUpdated = o.now
		err = e.store.Commit(ctx, Commit{
			Account:     next,
			PrevVersion: current.Version,
			Appended:    o.appended,
			Resolved:    o.resolved,
			Withdrawals: o.withdrawals,
		})
		if err == nil {
			metrics.LedgerOperations.WithLabelValues(name, "ok").Inc()
			return next, o, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxCommitAttempts {
			metrics.CommitConflicts.Inc()
			e.logger.Warn("account changed concurrently, retrying",
				slog.String("operation", name),
				slog.String("seller_id", sellerID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		return Account{}, nil, e.fail(name, fmt.Errorf("%s: commit seller %s: %w", name, sellerID, err))
	}
}

func (e *Engine) load(ctx context.Context, sellerID string, create bool) (Account, error) {
	acct, err := e.store.Load(ctx, sellerID)
	if errors.Is(err, ErrNotFound) && create {
		return e.store.Create(ctx, sellerID, e.now().UTC())
	}
	return acct, err
}

func (e *Engine) fail(name string, err error) error {
	metrics.LedgerOperations.WithLabelValues(name, resultLabel(err)).Inc()
	return err
}

// notify is fire-and-forget: delivery problems are logged, never returned.
func (e *Engine) notify(ctx context.Context, acct Account, kind, reason, withdrawalID string) {
	if e.notifier == nil {
		return
	}
	msg := notification.Message{
		Kind:         kind,
		SellerID:     acct.SellerID,
		Balance:      acct.CurrentBalance,
		Reason:       reason,
		WithdrawalID: withdrawalID,
		OccurredAt:   acct.LastUpdated,
	}
	if err := e.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Warn("notification not delivered",
			slog.String("kind", kind),
			slog.String("seller_id", acct.SellerID),
			slog.Any("error", err),
		)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "error"
	}
}
