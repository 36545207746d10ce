package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fintracker/internal/model"

	"github.com/shopspring/decimal"
)

// MemoryLedgerStore LedgerStore 的内存实现
// 单元测试用，不依赖 MySQL。每个方法内部原子（持全局锁），
// 与生产实现单条 SQL 的原子性对齐；跨方法的互斥
// 与生产路径一样交给账户锁保证
type MemoryLedgerStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*model.LedgerEntry // transaction_id -> entry
}

var _ LedgerStore = (*MemoryLedgerStore)(nil)

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		nextID:  1,
		entries: make(map[int64]*model.LedgerEntry),
	}
}

// keyAfter e 的排序键是否严格大于 (occurredAt, transactionID)
func keyAfter(e *model.LedgerEntry, occurredAt time.Time, transactionID int64) bool {
	if !e.OccurredAt.Equal(occurredAt) {
		return e.OccurredAt.After(occurredAt)
	}
	return e.TransactionID > transactionID
}

func keyBefore(e *model.LedgerEntry, occurredAt time.Time, transactionID int64) bool {
	if !e.OccurredAt.Equal(occurredAt) {
		return e.OccurredAt.Before(occurredAt)
	}
	return e.TransactionID < transactionID
}

func sortAscending(entries []*model.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return keyBefore(entries[i], entries[j].OccurredAt, entries[j].TransactionID)
	})
}

func copyEntry(e *model.LedgerEntry) *model.LedgerEntry {
	c := *e
	return &c
}

func (s *MemoryLedgerStore) accountEntries(accountID int64) []*model.LedgerEntry {
	var out []*model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sortAscending(out)
	return out
}

func (s *MemoryLedgerStore) LatestEntryForUpdate(ctx context.Context, accountID int64) (*model.LedgerEntry, error) {
	// 内存实现没有行锁，互斥完全由进程内账户锁承担
	return s.LatestEntry(ctx, accountID)
}

func (s *MemoryLedgerStore) PrecedingEntry(_ context.Context, accountID int64, occurredAt time.Time, transactionID int64) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID != accountID || !keyBefore(e, occurredAt, transactionID) {
			continue
		}
		if best == nil || keyAfter(e, best.OccurredAt, best.TransactionID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyEntry(best), nil
}

func (s *MemoryLedgerStore) SubsequentEntries(_ context.Context, accountID int64, occurredAt time.Time, transactionID int64) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID && keyAfter(e, occurredAt, transactionID) {
			out = append(out, copyEntry(e))
		}
	}
	sortAscending(out)
	return out, nil
}

func (s *MemoryLedgerStore) BulkAdjustSubsequent(_ context.Context, accountID int64, occurredAt time.Time, transactionID int64, delta decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, e := range s.entries {
		if e.AccountID == accountID && keyAfter(e, occurredAt, transactionID) {
			e.Balance = e.Balance.Add(delta)
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryLedgerStore) EntryForTransaction(_ context.Context, transactionID int64) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[transactionID]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (s *MemoryLedgerStore) LatestEntry(_ context.Context, accountID int64) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID != accountID {
			continue
		}
		if best == nil || keyAfter(e, best.OccurredAt, best.TransactionID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyEntry(best), nil
}

func (s *MemoryLedgerStore) Create(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == 0 {
		entry.ID = s.nextID
		s.nextID++
	}
	s.entries[entry.TransactionID] = copyEntry(entry)
	return nil
}

func (s *MemoryLedgerStore) AdjustEntryBalance(_ context.Context, entryID int64, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID == entryID {
			e.Balance = e.Balance.Add(delta)
			return nil
		}
	}
	return nil
}

func (s *MemoryLedgerStore) DeleteForTransaction(_ context.Context, transactionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, transactionID)
	return nil
}

func (s *MemoryLedgerStore) BalanceAtOrBefore(_ context.Context, accountID int64, at time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID != accountID || e.OccurredAt.After(at) {
			continue
		}
		if best == nil || keyAfter(e, best.OccurredAt, best.TransactionID) {
			best = e
		}
	}
	if best == nil {
		return decimal.Zero, nil
	}
	return best.Balance, nil
}

func (s *MemoryLedgerStore) EntriesForAccount(_ context.Context, accountID int64) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.accountEntries(accountID)
	out := make([]*model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyEntry(e))
	}
	return out, nil
}
