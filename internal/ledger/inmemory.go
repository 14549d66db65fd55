package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	entries  map[string][]Entry
	index    map[string]int
}

// NewInMemory creates a concurrency-safe in-memory store used in development and
// unit tests. Each commit is published under one write lock, so readers see either
// the whole operation or none of it.
func NewInMemory() Store {
	return &inMemoryStore{
		accounts: make(map[string]Account),
		entries:  make(map[string][]Entry),
		index:    make(map[string]int),
	}
}

func (s *inMemoryStore) Load(_ context.Context, sellerID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[sellerID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct.clone(), nil
}

func (s *inMemoryStore) Create(_ context.Context, sellerID string, at time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[sellerID]; ok {
		return acct.clone(), nil
	}
	acct := newAccount(sellerID, at)
	s.accounts[sellerID] = acct
	return acct.clone(), nil
}

func (s *inMemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sellerID := c.Account.SellerID
	stored, ok := s.accounts[sellerID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.PrevVersion {
		return ErrVersionConflict
	}
	for _, r := range c.Resolved {
		if _, ok := s.index[r.EntryID]; !ok {
			return ErrNotFound
		}
	}

	log := s.entries[sellerID]
	for _, r := range c.Resolved {
		i := s.index[r.EntryID]
		at := r.At
		log[i].Status = r.Status
		log[i].ResolvedAt = &at
	}
	for _, e := range c.Appended {
		s.index[e.ID] = len(log)
		log = append(log, e.clone())
	}
	s.entries[sellerID] = log
	s.accounts[sellerID] = c.Account.clone()
	return nil
}

func (s *inMemoryStore) Entries(_ context.Context, sellerID string, filter EntryFilter) (EntryPage, error) {
	filter = filter.normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.entries[sellerID]
	matched := make([]Entry, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		if filter.matches(log[i]) {
			matched = append(matched, log[i])
		}
	}

	page := EntryPage{Total: len(matched), Page: filter.Page, Limit: filter.Limit}
	start := filter.offset()
	if start >= len(matched) {
		page.Entries = []Entry{}
		return page, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Entries = make([]Entry, 0, end-start)
	for _, e := range matched[start:end] {
		page.Entries = append(page.Entries, e.clone())
	}
	return page, nil
}

func (s *inMemoryStore) StaleWithdrawals(_ context.Context, before time.Time, limit int) ([]WithdrawalRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []WithdrawalRef
	for sellerID, acct := range s.accounts {
		for id, w := range acct.Withdrawals {
			if w.Status.Reserved() && w.RequestedAt.Before(before) {
				refs = append(refs, WithdrawalRef{SellerID: sellerID, WithdrawalID: id, Status: w.Status, RequestedAt: w.RequestedAt})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].RequestedAt.Before(refs[j].RequestedAt) })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}
