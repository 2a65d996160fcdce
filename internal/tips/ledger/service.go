package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

// Store encapsulates ledger persistence.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Balance(ctx context.Context, employeeID int64) (decimal.Decimal, error)
	SumEntries(ctx context.Context, employeeID int64) (decimal.Decimal, error)
	Entries(ctx context.Context, q EntryQuery) ([]Entry, int, error)
	EntriesBySource(ctx context.Context, ref uuid.UUID) ([]Entry, error)
	Archive(ctx context.Context, employeeID int64) error
}

// Tx exposes the mutations available inside a ledger transaction. Only this
// package implements entry insertion; collaborators that need to post within
// their own transaction wrap a pgx.Tx with NewTx and hand it back to the
// PostBatchTx / WithdrawTx helpers.
type Tx interface {
	EnsureLedger(ctx context.Context, employeeID int64) error
	BalanceForUpdate(ctx context.Context, employeeID int64) (decimal.Decimal, error)
	InsertEntry(ctx context.Context, in PostInput) (Entry, bool, error)
	ApplyBalance(ctx context.Context, employeeID int64, delta decimal.Decimal) error
}

// Service is the ledger core posting API.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs the ledger service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Post appends a single entry. The ledger row is created on demand on first
// post. Posting the same idempotency key again is a no-op returning the
// existing entry.
func (s *Service) Post(ctx context.Context, in PostInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		entries, err := PostBatchTx(ctx, tx, []PostInput{in})
		if err != nil {
			return err
		}
		entry = entries[0]
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// PostBatch appends a set of entries atomically: all commit or none do.
// The set is not required to balance; Allocation uses it for inflows.
func (s *Service) PostBatch(ctx context.Context, ins []PostInput) ([]Entry, error) {
	for _, in := range ins {
		if err := in.Validate(); err != nil {
			return nil, err
		}
	}
	var entries []Entry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entries, err = PostBatchTx(ctx, tx, ins)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// PostPaired posts a balanced debit/credit set atomically. Used whenever
// money moves between ledgers (transfers, tip-outs, reclaim).
func (s *Service) PostPaired(ctx context.Context, in PairedInput) ([]Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	all := make([]PostInput, 0, len(in.Debits)+len(in.Credits))
	all = append(all, in.Debits...)
	all = append(all, in.Credits...)
	return s.PostBatch(ctx, all)
}

// Withdraw posts a debit that must not drive the balance negative.
func (s *Service) Withdraw(ctx context.Context, in PostInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = WithdrawTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Balance returns the running balance. Unknown employees have a zero
// balance; their ledger materialises on first post.
func (s *Service) Balance(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	return s.store.Balance(ctx, employeeID)
}

// History lists entries for statements and audits, newest first.
func (s *Service) History(ctx context.Context, employeeID int64, from, to time.Time, page, perPage int) ([]Entry, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	entries, total, err := s.store.Entries(ctx, EntryQuery{
		EmployeeID: employeeID,
		From:       from,
		To:         to,
		Limit:      perPage,
		Offset:     (page - 1) * perPage,
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(page, perPage, total), nil
}

// TransactionEntries returns every entry tagged with the given source ref.
func (s *Service) TransactionEntries(ctx context.Context, ref uuid.UUID) ([]Entry, error) {
	return s.store.EntriesBySource(ctx, ref)
}

// Archive soft-archives a deactivated employee's ledger. Entries remain.
func (s *Service) Archive(ctx context.Context, employeeID int64) error {
	return s.store.Archive(ctx, employeeID)
}

// PostBatchTx appends a validated entry set within an existing ledger
// transaction. Ledger rows are locked in ascending employee order so
// concurrent paired postings cannot deadlock. Entries whose idempotency key
// already exists are returned as-is and do not touch the balance again.
func PostBatchTx(ctx context.Context, tx Tx, ins []PostInput) ([]Entry, error) {
	for _, in := range ins {
		if err := in.Validate(); err != nil {
			return nil, err
		}
	}
	for _, id := range employeeIDsOf(ins) {
		if err := tx.EnsureLedger(ctx, id); err != nil {
			return nil, err
		}
		if _, err := tx.BalanceForUpdate(ctx, id); err != nil {
			return nil, err
		}
	}
	entries := make([]Entry, 0, len(ins))
	deltas := make(map[int64]decimal.Decimal)
	for _, in := range ins {
		entry, inserted, err := tx.InsertEntry(ctx, in)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if inserted {
			deltas[in.EmployeeID] = deltas[in.EmployeeID].Add(entry.Signed())
		}
	}
	for _, id := range sortedKeys(deltas) {
		if deltas[id].IsZero() {
			continue
		}
		if err := tx.ApplyBalance(ctx, id, deltas[id]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// WithdrawTx posts a guarded debit within an existing ledger transaction.
func WithdrawTx(ctx context.Context, tx Tx, in PostInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	if in.Direction != DirectionDebit {
		return Entry{}, ErrInvalidAmount
	}
	if err := tx.EnsureLedger(ctx, in.EmployeeID); err != nil {
		return Entry{}, err
	}
	balance, err := tx.BalanceForUpdate(ctx, in.EmployeeID)
	if err != nil {
		return Entry{}, err
	}
	if balance.LessThan(in.Amount) {
		return Entry{}, ErrInsufficientBalance
	}
	entry, inserted, err := tx.InsertEntry(ctx, in)
	if err != nil {
		return Entry{}, err
	}
	if inserted {
		if err := tx.ApplyBalance(ctx, in.EmployeeID, entry.Signed()); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}

func employeeIDsOf(ins []PostInput) []int64 {
	seen := make(map[int64]struct{}, len(ins))
	ids := make([]int64, 0, len(ins))
	for _, in := range ins {
		if _, ok := seen[in.EmployeeID]; ok {
			continue
		}
		seen[in.EmployeeID] = struct{}{}
		ids = append(ids, in.EmployeeID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[int64]decimal.Decimal) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
