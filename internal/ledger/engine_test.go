package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/seller_ledger/internal/logging"
	"github.com/congo-pay/seller_ledger/internal/notification"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
	err      error
}

func (r *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return r.err
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Kind)
	}
	return out
}

func newTestEngine(store Store, n notification.Notifier) *Engine {
	e := NewEngine(store, n, logging.Discard())
	var seq atomic.Int64
	e.newID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	e.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	return e
}

func assertBalanced(t *testing.T, s Snapshot) {
	t.Helper()
	assert.GreaterOrEqual(t, s.CurrentBalance, int64(0))
	assert.GreaterOrEqual(t, s.PendingWithdrawals, int64(0))
	assert.GreaterOrEqual(t, s.WithdrawnTotal, int64(0))
	assert.Equal(t, s.TotalEarnings, s.CurrentBalance+s.PendingWithdrawals+s.WithdrawnTotal)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &recordingNotifier{}
	e := newTestEngine(NewInMemory(), rec)

	// A: first credit creates the account.
	snap, err := e.Credit(ctx, "seller1", 1000, "order#1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.CurrentBalance)
	assert.Equal(t, int64(1000), snap.TotalEarnings)
	assert.Equal(t, int64(1), snap.TotalOrders)

	page, err := e.ListLedger(ctx, "seller1", EntryFilter{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, KindSale, page.Entries[0].Kind)
	assert.Equal(t, "order#1", page.Entries[0].OrderRef)
	assert.Equal(t, int64(1000), page.Entries[0].BalanceAfter)

	// B: reserve everything, then nothing is left.
	h, err := e.RequestWithdrawal(ctx, "seller1", 1000, "payout", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.Account.CurrentBalance)
	assert.Equal(t, int64(1000), h.Account.PendingWithdrawals)
	assert.Equal(t, WithdrawalPending, h.Withdrawal.Status)
	assertBalanced(t, h.Account)

	before, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)
	_, err = e.RequestWithdrawal(ctx, "seller1", 1, "", nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	after, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// C: confirm twice; the second call changes nothing.
	first, err := e.ConfirmWithdrawal(ctx, "seller1", h.Withdrawal.ID, "bank-ref")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.PendingWithdrawals)
	assert.Equal(t, int64(1000), first.WithdrawnTotal)
	assertBalanced(t, first)

	second, err := e.ConfirmWithdrawal(ctx, "seller1", h.Withdrawal.ID, "bank-ref")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	w, err := e.GetWithdrawal(ctx, "seller1", h.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalCompleted, w.Status)
	assert.NotNil(t, w.CompletedAt)
	assert.Equal(t, "bank-ref", w.SettlementRef)

	require.NoError(t, e.Verify(ctx, "seller1"))
	assert.Equal(t, []string{
		notification.KindSaleCredited,
		notification.KindWithdrawalRequested,
		notification.KindWithdrawalCompleted,
	}, rec.kinds())
}

func TestEngine_CancelRestoresBalance(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)

	_, err := e.Credit(ctx, "seller1", 1000, "order#1", "", nil)
	require.NoError(t, err)
	h, err := e.RequestWithdrawal(ctx, "seller1", 1000, "", nil)
	require.NoError(t, err)

	snap, err := e.CancelWithdrawal(ctx, "seller1", h.Withdrawal.ID, "gateway timeout")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.CurrentBalance)
	assert.Equal(t, int64(0), snap.PendingWithdrawals)
	assert.Equal(t, int64(0), snap.WithdrawnTotal)

	w, err := e.GetWithdrawal(ctx, "seller1", h.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalCancelled, w.Status)
	assert.Equal(t, "gateway timeout", w.CancellationReason)
	require.NotNil(t, w.CancelledAt)

	page, err := e.ListLedger(ctx, "seller1", EntryFilter{WithdrawalID: h.Withdrawal.ID})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, EntryFailed, page.Entries[0].Status)

	// Terminal: neither confirm nor a second cancel may touch it.
	_, err = e.ConfirmWithdrawal(ctx, "seller1", h.Withdrawal.ID, "")
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = e.CancelWithdrawal(ctx, "seller1", h.Withdrawal.ID, "again")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestEngine_UnknownWithdrawal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)
	_, err := e.Credit(ctx, "seller1", 1000, "order#1", "", nil)
	require.NoError(t, err)

	_, err = e.ConfirmWithdrawal(ctx, "seller1", "unknownId", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.CancelWithdrawal(ctx, "seller1", "unknownId", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetWithdrawal(ctx, "seller1", "unknownId")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UnknownSeller(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)

	_, err := e.RequestWithdrawal(ctx, "ghost", 10, "", nil)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.ChargeFee(ctx, "ghost", 10, "o", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.ListLedger(ctx, "ghost", EntryFilter{})
	require.ErrorIs(t, err, ErrNotFound)

	// Reading the account creates an empty one.
	snap, err := e.GetAccount(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", snap.SellerID)
	assert.Zero(t, snap.TotalEarnings)
	page, err := e.ListLedger(ctx, "ghost", EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestEngine_InvalidAmounts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)

	for _, amount := range []int64{0, -5} {
		_, err := e.Credit(ctx, "seller1", amount, "o", "", nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = e.RequestWithdrawal(ctx, "seller1", amount, "", nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = e.ChargeFee(ctx, "seller1", amount, "o", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	_, err := e.Adjust(ctx, "seller1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// No account was created by the rejected credits.
	_, err = e.ListLedger(ctx, "seller1", EntryFilter{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_FeesAndAdjustments(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)

	_, err := e.Credit(ctx, "seller1", 10_000, "order-1", "", nil)
	require.NoError(t, err)
	snap, err := e.ChargeFee(ctx, "seller1", 500, "order-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(9_500), snap.CurrentBalance)
	assert.Equal(t, int64(9_500), snap.TotalEarnings)
	assert.Equal(t, int64(1), snap.TotalOrders)

	snap, err = e.Adjust(ctx, "seller1", -1_500, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000), snap.CurrentBalance)
	snap, err = e.Adjust(ctx, "seller1", 250, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(8_250), snap.CurrentBalance)
	assertBalanced(t, snap)

	_, err = e.ChargeFee(ctx, "seller1", 100_000, "order-1", "")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = e.Adjust(ctx, "seller1", -100_000, "")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	fees, err := e.ListLedger(ctx, "seller1", EntryFilter{Kind: KindFee})
	require.NoError(t, err)
	require.Len(t, fees.Entries, 1)
	assert.Equal(t, int64(-500), fees.Entries[0].Amount)

	_, err = e.ListLedger(ctx, "seller1", EntryFilter{Kind: "refund"})
	require.ErrorIs(t, err, ErrInvalidFilter)

	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestEngine_ProcessingAndFailure(t *testing.T) {
	ctx := context.Background()
	rec := &recordingNotifier{}
	e := newTestEngine(NewInMemory(), rec)

	_, err := e.Credit(ctx, "seller1", 3_000, "order-1", "", nil)
	require.NoError(t, err)
	h, err := e.RequestWithdrawal(ctx, "seller1", 2_000, "", nil)
	require.NoError(t, err)

	w, err := e.MarkProcessing(ctx, "seller1", h.Withdrawal.ID, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalProcessing, w.Status)
	assert.Equal(t, "gw-1", w.GatewayRef)
	require.NotNil(t, w.ProcessedAt)

	again, err := e.MarkProcessing(ctx, "seller1", h.Withdrawal.ID, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, w, again)

	snap, err := e.FailWithdrawal(ctx, "seller1", h.Withdrawal.ID, "account closed")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), snap.CurrentBalance)
	assert.Equal(t, int64(0), snap.PendingWithdrawals)

	_, err = e.MarkProcessing(ctx, "seller1", h.Withdrawal.ID, "gw-2")
	require.ErrorIs(t, err, ErrInvalidState)

	failed, err := e.ListWithdrawals(ctx, "seller1", WithdrawalFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "account closed", failed[0].CancellationReason)

	_, err = e.ListWithdrawals(ctx, "seller1", "lost")
	require.ErrorIs(t, err, ErrInvalidFilter)

	assert.Equal(t, []string{
		notification.KindSaleCredited,
		notification.KindWithdrawalRequested,
		notification.KindWithdrawalProcessing,
		notification.KindWithdrawalFailed,
	}, rec.kinds())
	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestEngine_ListWithdrawalsNewestFirst(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)
	_, err := e.Credit(ctx, "seller1", 900, "order-1", "", nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		h, err := e.RequestWithdrawal(ctx, "seller1", 100, "", nil)
		require.NoError(t, err)
		ids = append(ids, h.Withdrawal.ID)
	}
	list, err := e.ListWithdrawals(ctx, "seller1", "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestEngine_NotifierErrorDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	rec := &recordingNotifier{err: errors.New("broker down")}
	e := newTestEngine(NewInMemory(), rec)

	snap, err := e.Credit(ctx, "seller1", 700, "order-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(700), snap.CurrentBalance)
	assert.Len(t, rec.kinds(), 1)
}

func TestEngine_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)
	_, err := e.Credit(ctx, "seller1", 10_000, "order-1", "", nil)
	require.NoError(t, err)

	const workers = 50
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
		denied  atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RequestWithdrawal(ctx, "seller1", 300, "", nil)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(33), granted.Load())
	assert.Equal(t, int64(workers-33), denied.Load())

	snap, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.CurrentBalance)
	assert.Equal(t, int64(9_900), snap.PendingWithdrawals)
	assertBalanced(t, snap)
	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestEngine_ConcurrentSellersAreIndependent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		seller := fmt.Sprintf("seller-%d", s)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := e.Credit(ctx, seller, 50, fmt.Sprintf("order-%d", i), "", nil); err != nil {
					t.Errorf("credit %s: %v", seller, err)
				}
			}(i)
		}
	}
	wg.Wait()

	for s := 0; s < 8; s++ {
		seller := fmt.Sprintf("seller-%d", s)
		snap, err := e.GetAccount(ctx, seller)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000), snap.CurrentBalance, seller)
		assert.Equal(t, int64(20), snap.TotalOrders, seller)
		assert.Equal(t, int64(20), snap.Version, seller)
	}
}

// Random sequences of operations must keep the balance identity after every step.
func TestEngine_RandomOperationsKeepIdentity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(NewInMemory(), nil)
	rng := rand.New(rand.NewSource(42))

	var open []string
	for step := 0; step < 500; step++ {
		var err error
		switch rng.Intn(6) {
		case 0, 1:
			_, err = e.Credit(ctx, "seller1", int64(rng.Intn(5_000)+1), fmt.Sprintf("order-%d", step), "", nil)
		case 2:
			var h WithdrawalHandle
			h, err = e.RequestWithdrawal(ctx, "seller1", int64(rng.Intn(4_000)+1), "", nil)
			if err == nil {
				open = append(open, h.Withdrawal.ID)
			}
		case 3:
			if len(open) > 0 {
				_, err = e.ConfirmWithdrawal(ctx, "seller1", open[rng.Intn(len(open))], "")
			}
		case 4:
			if len(open) > 0 {
				_, err = e.CancelWithdrawal(ctx, "seller1", open[rng.Intn(len(open))], "random")
			}
		case 5:
			_, err = e.ChargeFee(ctx, "seller1", int64(rng.Intn(200)+1), "fee", "")
		}
		if err != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrNotFound) {
			t.Fatalf("step %d: %v", step, err)
		}
		snap, err := e.GetAccount(ctx, "seller1")
		require.NoError(t, err)
		assertBalanced(t, snap)
	}
	require.NoError(t, e.Verify(ctx, "seller1"))
}

type conflictingStore struct {
	Store
	conflicts atomic.Int64
}

func (s *conflictingStore) Commit(ctx context.Context, c Commit) error {
	if s.conflicts.Add(-1) >= 0 {
		return ErrVersionConflict
	}
	return s.Store.Commit(ctx, c)
}

func TestEngine_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: NewInMemory()}
	e := newTestEngine(store, nil)

	store.conflicts.Store(2)
	snap, err := e.Credit(ctx, "seller1", 400, "order-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(400), snap.CurrentBalance)

	store.conflicts.Store(maxCommitAttempts)
	_, err = e.Credit(ctx, "seller1", 400, "order-2", "", nil)
	require.ErrorIs(t, err, ErrVersionConflict)

	after, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), after.CurrentBalance)
}

type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Commit(ctx context.Context, c Commit) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, c)
}

func TestEngine_FailedCommitLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewInMemory()}
	e := newTestEngine(store, nil)

	_, err := e.Credit(ctx, "seller1", 1_000, "order-1", "", nil)
	require.NoError(t, err)
	h, err := e.RequestWithdrawal(ctx, "seller1", 600, "", nil)
	require.NoError(t, err)
	before, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)

	store.fail = true
	_, err = e.ConfirmWithdrawal(ctx, "seller1", h.Withdrawal.ID, "")
	require.Error(t, err)
	_, err = e.RequestWithdrawal(ctx, "seller1", 100, "", nil)
	require.Error(t, err)
	store.fail = false

	after, err := e.GetAccount(ctx, "seller1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	w, err := e.GetWithdrawal(ctx, "seller1", h.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalPending, w.Status)
	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestReconcile_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	e := newTestEngine(store, nil)

	_, err := e.Credit(ctx, "seller1", 1_000, "order-1", "", nil)
	require.NoError(t, err)
	h, err := e.RequestWithdrawal(ctx, "seller1", 400, "", nil)
	require.NoError(t, err)

	acct, err := store.Load(ctx, "seller1")
	require.NoError(t, err)
	page, err := store.Entries(ctx, "seller1", EntryFilter{Limit: maxPageLimit})
	require.NoError(t, err)
	require.NoError(t, Reconcile(acct, page.Entries))

	drifted := acct.clone()
	drifted.TotalEarnings += 1
	drifted.CurrentBalance += 1
	err = Reconcile(drifted, page.Entries)
	require.ErrorIs(t, err, ErrInvariant)
	assert.Contains(t, err.Error(), "total earnings")

	wrongState := acct.clone()
	w := wrongState.Withdrawals[h.Withdrawal.ID]
	w.Status = WithdrawalCompleted
	wrongState.Withdrawals[w.ID] = w
	require.ErrorIs(t, Reconcile(wrongState, page.Entries), ErrInvariant)
}

func TestWithdrawalStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to WithdrawalStatus
		ok       bool
	}{
		{WithdrawalPending, WithdrawalProcessing, true},
		{WithdrawalPending, WithdrawalCompleted, true},
		{WithdrawalPending, WithdrawalCancelled, true},
		{WithdrawalProcessing, WithdrawalFailed, true},
		{WithdrawalProcessing, WithdrawalPending, false},
		{WithdrawalCompleted, WithdrawalCancelled, false},
		{WithdrawalCancelled, WithdrawalCompleted, false},
		{WithdrawalFailed, WithdrawalProcessing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, WithdrawalCompleted.Terminal())
	assert.False(t, WithdrawalProcessing.Terminal())
	assert.True(t, WithdrawalProcessing.Reserved())
	assert.False(t, WithdrawalFailed.Reserved())
}

// assertAccountConsistent checks that totals and withdrawal rows loaded together
// describe the same committed state.
func assertAccountConsistent(t *testing.T, a Account) {
	t.Helper()
	assert.NoError(t, a.checkInvariants())
	var reserved, withdrawn int64
	for _, w := range a.Withdrawals {
		switch {
		case w.Status.Reserved():
			reserved += w.Amount
		case w.Status == WithdrawalCompleted:
			withdrawn += w.Amount
		}
	}
	assert.Equal(t, a.PendingWithdrawals, reserved, "pending total vs reserved withdrawals (version %d)", a.Version)
	assert.Equal(t, a.WithdrawnTotal, withdrawn, "withdrawn total vs completed withdrawals (version %d)", a.Version)
}

// runReadsDuringWrites has readers load the account in a loop while writers
// credit, reserve, confirm and cancel against the same seller.
func runReadsDuringWrites(t *testing.T, store Store) {
	ctx := context.Background()
	e := newTestEngine(store, nil)
	_, err := e.Credit(ctx, "seller1", 50_000, "order-0", "", nil)
	require.NoError(t, err)

	var (
		writers sync.WaitGroup
		readers sync.WaitGroup
		done    atomic.Bool
		reads   atomic.Int64
	)
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 25; i++ {
				if _, err := e.Credit(ctx, "seller1", 300, fmt.Sprintf("order-%d-%d", w, i), "", nil); err != nil {
					t.Errorf("credit: %v", err)
					return
				}
				h, err := e.RequestWithdrawal(ctx, "seller1", 200, "", nil)
				if errors.Is(err, ErrInsufficientFunds) {
					continue
				}
				if err != nil {
					t.Errorf("request: %v", err)
					return
				}
				if i%2 == 0 {
					_, err = e.ConfirmWithdrawal(ctx, "seller1", h.Withdrawal.ID, "bank")
				} else {
					_, err = e.CancelWithdrawal(ctx, "seller1", h.Withdrawal.ID, "changed mind")
				}
				if err != nil {
					t.Errorf("settle: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				stop := done.Load()
				snap, err := e.GetAccount(ctx, "seller1")
				if err != nil {
					t.Errorf("get account: %v", err)
					return
				}
				assertBalanced(t, snap)
				acct, err := store.Load(ctx, "seller1")
				if err != nil {
					t.Errorf("load: %v", err)
					return
				}
				assertAccountConsistent(t, acct)
				reads.Add(1)
				if stop {
					return
				}
			}
		}()
	}

	writers.Wait()
	done.Store(true)
	readers.Wait()

	require.Positive(t, reads.Load())
	acct, err := store.Load(ctx, "seller1")
	require.NoError(t, err)
	assertAccountConsistent(t, acct)
	require.NoError(t, e.Verify(ctx, "seller1"))
}

func TestEngine_ReadsDuringWritesSeeWholeCommits(t *testing.T) {
	runReadsDuringWrites(t, NewInMemory())
}

func runMetadataRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	e := newTestEngine(store, nil)

	orderMeta := map[string]string{"channel": "marketplace", "order_total": "120.00"}
	_, err := e.Credit(ctx, "seller-meta", 5_000, "order-1", "", orderMeta)
	require.NoError(t, err)
	orderMeta["channel"] = "changed"

	h, err := e.RequestWithdrawal(ctx, "seller-meta", 2_000, "weekly", map[string]string{"destination": "momo"})
	require.NoError(t, err)

	sales, err := e.ListLedger(ctx, "seller-meta", EntryFilter{Kind: KindSale})
	require.NoError(t, err)
	require.Len(t, sales.Entries, 1)
	assert.Equal(t, map[string]string{"channel": "marketplace", "order_total": "120.00"}, sales.Entries[0].Metadata)

	w, err := e.GetWithdrawal(ctx, "seller-meta", h.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, "momo", w.Metadata["destination"])

	reserved, err := e.ListLedger(ctx, "seller-meta", EntryFilter{WithdrawalID: h.Withdrawal.ID})
	require.NoError(t, err)
	require.Len(t, reserved.Entries, 1)
	assert.Equal(t, "momo", reserved.Entries[0].Metadata["destination"])

	_, err = e.ConfirmWithdrawal(ctx, "seller-meta", h.Withdrawal.ID, "bank-1")
	require.NoError(t, err)
	w, err = e.GetWithdrawal(ctx, "seller-meta", h.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, "momo", w.Metadata["destination"])

	tooMany := make(map[string]string, maxMetadataKeys+1)
	for i := 0; i <= maxMetadataKeys; i++ {
		tooMany[fmt.Sprintf("k%d", i)] = "v"
	}
	_, err = e.Credit(ctx, "seller-meta", 100, "order-2", "", tooMany)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	_, err = e.RequestWithdrawal(ctx, "seller-meta", 100, "", map[string]string{"": "blank key"})
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	snap, err := e.GetAccount(ctx, "seller-meta")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TotalOrders)
	assert.Equal(t, int64(3_000), snap.CurrentBalance)
}

func TestEngine_MetadataIsStoredOnEntriesAndWithdrawals(t *testing.T) {
	runMetadataRoundTrip(t, NewInMemory())
}
