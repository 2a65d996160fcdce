// Package ledgertest provides an in-memory ledger.Store for service tests
// across the tip engine packages.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

// Store is a mutex-guarded in-memory implementation of ledger.Store. A
// failed WithTx callback rolls the staged state back, mirroring the
// all-or-nothing semantics of the real store.
type Store struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	entries  []ledger.Entry
	byKey    map[string]int
	archived map[int64]time.Time
	nextID   int64
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		balances: make(map[int64]decimal.Decimal),
		byKey:    make(map[string]int),
		archived: make(map[int64]time.Time),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapBalances := make(map[int64]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		snapBalances[k] = v
	}
	snapEntries := make([]ledger.Entry, len(s.entries))
	copy(snapEntries, s.entries)
	snapKeys := make(map[string]int, len(s.byKey))
	for k, v := range s.byKey {
		snapKeys[k] = v
	}
	snapNext := s.nextID
	if err := fn(ctx, &memTx{store: s}); err != nil {
		s.balances = snapBalances
		s.entries = snapEntries
		s.byKey = snapKeys
		s.nextID = snapNext
		return err
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[employeeID], nil
}

func (s *Store) SumEntries(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, e := range s.entries {
		if e.EmployeeID == employeeID {
			sum = sum.Add(e.Signed())
		}
	}
	return sum, nil
}

func (s *Store) Entries(ctx context.Context, q ledger.EntryQuery) ([]ledger.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ledger.Entry
	for _, e := range s.entries {
		if e.EmployeeID != q.EmployeeID {
			continue
		}
		if !q.From.IsZero() && e.OccurredAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !e.OccurredAt.Before(q.To) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

func (s *Store) EntriesBySource(ctx context.Context, ref uuid.UUID) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ledger.Entry
	for _, e := range s.entries {
		if e.SourceRef == ref {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (s *Store) Archive(ctx context.Context, employeeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archived[employeeID]; !ok {
		s.archived[employeeID] = time.Now()
	}
	return nil
}

// AllEntries returns a copy of every entry, for assertions.
func (s *Store) AllEntries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

type memTx struct {
	store *Store
}

func (t *memTx) EnsureLedger(ctx context.Context, employeeID int64) error {
	if _, ok := t.store.balances[employeeID]; !ok {
		t.store.balances[employeeID] = decimal.Zero
	}
	return nil
}

func (t *memTx) BalanceForUpdate(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	return t.store.balances[employeeID], nil
}

func (t *memTx) InsertEntry(ctx context.Context, in ledger.PostInput) (ledger.Entry, bool, error) {
	if idx, ok := t.store.byKey[in.IdempotencyKey]; ok {
		return t.store.entries[idx], false, nil
	}
	t.store.nextID++
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	entry := ledger.Entry{
		ID:             t.store.nextID,
		EmployeeID:     in.EmployeeID,
		Direction:      in.Direction,
		Amount:         in.Amount,
		SourceType:     in.SourceType,
		SourceRef:      in.SourceRef,
		IdempotencyKey: in.IdempotencyKey,
		OccurredAt:     occurred,
		CreatedAt:      time.Now(),
	}
	t.store.entries = append(t.store.entries, entry)
	t.store.byKey[in.IdempotencyKey] = len(t.store.entries) - 1
	return entry, true, nil
}

func (t *memTx) ApplyBalance(ctx context.Context, employeeID int64, delta decimal.Decimal) error {
	t.store.balances[employeeID] = t.store.balances[employeeID].Add(delta)
	return nil
}
