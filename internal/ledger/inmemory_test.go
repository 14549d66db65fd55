package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemory() })
}

// runStoreContract checks the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("load unknown seller", func(t *testing.T) {
		s := open(t)
		if _, err := s.Load(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("create is idempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		first, err := s.Create(ctx, "seller-create", at)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if first.Version != 0 || first.CurrentBalance != 0 {
			t.Fatalf("unexpected fresh account: %+v", first)
		}
		if _, err := s.Create(ctx, "seller-create", at.Add(time.Hour)); err != nil {
			t.Fatalf("second create: %v", err)
		}
		got, err := s.Load(ctx, "seller-create")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !got.LastUpdated.Equal(at) {
			t.Fatalf("second create overwrote account: %v", got.LastUpdated)
		}
	})

	t.Run("commit round trip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		acct, err := s.Create(ctx, "seller-rt", at)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		c := reserveCommit(acct, at, 10_000, 4_000)
		if err := s.Commit(ctx, c); err != nil {
			t.Fatalf("commit: %v", err)
		}

		got, err := s.Load(ctx, "seller-rt")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Version != 1 || got.CurrentBalance != 6_000 || got.PendingWithdrawals != 4_000 || got.TotalOrders != 1 {
			t.Fatalf("unexpected account after commit: %+v", got)
		}
		w, ok := got.Withdrawals["w-rt"]
		if !ok {
			t.Fatalf("withdrawal not persisted")
		}
		if w.Status != WithdrawalPending || w.Amount != 4_000 || w.EntryID != "e-w-rt" || w.Metadata["channel"] != "bank" {
			t.Fatalf("unexpected withdrawal: %+v", w)
		}

		page, err := s.Entries(ctx, "seller-rt", EntryFilter{})
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if page.Total != 2 || len(page.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %+v", page)
		}
		if page.Entries[0].Kind != KindWithdrawal || page.Entries[1].Kind != KindSale {
			t.Fatalf("entries not newest first: %s, %s", page.Entries[0].Kind, page.Entries[1].Kind)
		}
		if page.Entries[0].Amount != -4_000 || page.Entries[0].BalanceAfter != 6_000 {
			t.Fatalf("unexpected withdrawal entry: %+v", page.Entries[0])
		}
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		acct, err := s.Create(ctx, "seller-cas", at)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Commit(ctx, creditCommit(acct, at, "e-1", 500)); err != nil {
			t.Fatalf("first commit: %v", err)
		}
		// Same base version again.
		if err := s.Commit(ctx, creditCommit(acct, at, "e-2", 700)); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected version conflict, got %v", err)
		}
		got, _ := s.Load(ctx, "seller-cas")
		if got.CurrentBalance != 500 {
			t.Fatalf("rejected commit leaked: balance %d", got.CurrentBalance)
		}
		page, _ := s.Entries(ctx, "seller-cas", EntryFilter{})
		if page.Total != 1 {
			t.Fatalf("rejected commit appended entries: %d", page.Total)
		}
	})

	t.Run("resolution updates entry status", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		acct, _ := s.Create(ctx, "seller-res", at)
		c := reserveCommit(acct, at, 10_000, 4_000)
		if err := s.Commit(ctx, c); err != nil {
			t.Fatalf("commit: %v", err)
		}

		next := c.Account.clone()
		w := next.Withdrawals["w-rt"]
		done := at.Add(time.Minute)
		w.Status = WithdrawalCompleted
		w.CompletedAt = &done
		w.SettlementRef = "bank-1"
		next.Withdrawals[w.ID] = w
		next.PendingWithdrawals -= 4_000
		next.WithdrawnTotal += 4_000
		next.Version = 2
		err := s.Commit(ctx, Commit{
			Account:     next,
			PrevVersion: 1,
			Resolved:    []Resolution{{EntryID: w.EntryID, Status: EntryCompleted, At: done}},
			Withdrawals: []Withdrawal{w},
		})
		if err != nil {
			t.Fatalf("resolve commit: %v", err)
		}

		page, err := s.Entries(ctx, "seller-res", EntryFilter{WithdrawalID: "w-rt"})
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if len(page.Entries) != 1 {
			t.Fatalf("expected one entry for withdrawal, got %d", len(page.Entries))
		}
		e := page.Entries[0]
		if e.Status != EntryCompleted || e.ResolvedAt == nil || !e.ResolvedAt.Equal(done) {
			t.Fatalf("entry not resolved: %+v", e)
		}
		got, _ := s.Load(ctx, "seller-res")
		if got.Withdrawals["w-rt"].SettlementRef != "bank-1" {
			t.Fatalf("withdrawal update not persisted: %+v", got.Withdrawals["w-rt"])
		}
		if err := Reconcile(got, page.Entries); err == nil {
			t.Fatalf("partial entry list should not reconcile")
		}
	})

	t.Run("entries filter and paginate", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		acct, _ := s.Create(ctx, "seller-page", at)
		for i := 0; i < 5; i++ {
			c := creditCommit(acct, at.Add(time.Duration(i)*time.Second), fmt.Sprintf("e-page-%d", i), int64(100*(i+1)))
			if err := s.Commit(ctx, c); err != nil {
				t.Fatalf("commit %d: %v", i, err)
			}
			acct = c.Account
		}

		page, err := s.Entries(ctx, "seller-page", EntryFilter{Page: 2, Limit: 2})
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if page.Total != 5 || page.Page != 2 || page.Limit != 2 || len(page.Entries) != 2 {
			t.Fatalf("unexpected page: %+v", page)
		}
		if page.Entries[0].ID != "e-page-2" || page.Entries[1].ID != "e-page-1" {
			t.Fatalf("unexpected page contents: %s, %s", page.Entries[0].ID, page.Entries[1].ID)
		}

		page, err = s.Entries(ctx, "seller-page", EntryFilter{Page: 9, Limit: 2})
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if page.Total != 5 || len(page.Entries) != 0 {
			t.Fatalf("expected empty page past the end, got %+v", page)
		}

		page, err = s.Entries(ctx, "seller-page", EntryFilter{Kind: KindFee})
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if page.Total != 0 {
			t.Fatalf("expected no fee entries, got %d", page.Total)
		}
	})

	t.Run("stale withdrawals", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		acct, _ := s.Create(ctx, "seller-stale", at)
		if err := s.Commit(ctx, reserveCommit(acct, at, 10_000, 1_000)); err != nil {
			t.Fatalf("commit: %v", err)
		}

		refs, err := s.StaleWithdrawals(ctx, at.Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(refs) != 1 || refs[0].WithdrawalID != "w-rt" || refs[0].SellerID != "seller-stale" {
			t.Fatalf("unexpected stale refs: %+v", refs)
		}
		refs, err = s.StaleWithdrawals(ctx, at.Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(refs) != 0 {
			t.Fatalf("fresh withdrawal reported stale: %+v", refs)
		}
	})
}

func creditCommit(base Account, at time.Time, entryID string, amount int64) Commit {
	next := base.clone()
	next.TotalEarnings += amount
	next.TotalOrders++
	next.CurrentBalance += amount
	next.Version = base.Version + 1
	next.LastUpdated = at
	return Commit{
		Account:     next,
		PrevVersion: base.Version,
		Appended: []Entry{{
			ID: entryID, SellerID: base.SellerID, Kind: KindSale, Amount: amount,
			BalanceAfter: next.CurrentBalance, OrderRef: "order-" + entryID,
			Status: EntryCompleted, Description: "sale", CreatedAt: at,
		}},
	}
}

// reserveCommit credits sale and reserves withdraw from it in a single commit.
func reserveCommit(base Account, at time.Time, sale, withdraw int64) Commit {
	c := creditCommit(base, at, "e-sale-"+base.SellerID, sale)
	next := c.Account
	next.CurrentBalance -= withdraw
	next.PendingWithdrawals += withdraw
	w := Withdrawal{
		ID: "w-rt", SellerID: base.SellerID, Amount: withdraw, Status: WithdrawalPending,
		RequestedAt: at, EntryID: "e-w-rt", Metadata: map[string]string{"channel": "bank"},
	}
	if next.Withdrawals == nil {
		next.Withdrawals = make(map[string]Withdrawal)
	}
	next.Withdrawals[w.ID] = w
	c.Account = next
	c.Appended = append(c.Appended, Entry{
		ID: "e-w-rt", SellerID: base.SellerID, Kind: KindWithdrawal, Amount: -withdraw,
		BalanceAfter: next.CurrentBalance, WithdrawalID: w.ID, Status: EntryPending,
		Description: "withdrawal requested", CreatedAt: at.Add(time.Millisecond),
	})
	c.Withdrawals = []Withdrawal{w}
	return c
}
