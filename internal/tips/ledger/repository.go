package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns the PostgreSQL-backed ledger store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (s *pgStore) Balance(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM tip_ledgers WHERE employee_id=$1`, employeeID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Ledgers are created on first post; before that the balance is zero.
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *pgStore) SumEntries(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN direction='CREDIT' THEN amount ELSE -amount END), 0)::text
FROM tip_ledger_entries WHERE employee_id=$1`, employeeID).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *pgStore) Entries(ctx context.Context, q EntryQuery) ([]Entry, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tip_ledger_entries
WHERE employee_id=$1 AND occurred_at >= $2 AND occurred_at < $3`, q.EmployeeID, q.From, q.To).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, employee_id, direction, amount::text, source_type, source_ref, idempotency_key, occurred_at, created_at
FROM tip_ledger_entries
WHERE employee_id=$1 AND occurred_at >= $2 AND occurred_at < $3
ORDER BY occurred_at DESC, id DESC
LIMIT $4 OFFSET $5`, q.EmployeeID, q.From, q.To, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *pgStore) EntriesBySource(ctx context.Context, ref uuid.UUID) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, employee_id, direction, amount::text, source_type, source_ref, idempotency_key, occurred_at, created_at
FROM tip_ledger_entries WHERE source_ref=$1 ORDER BY id ASC`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *pgStore) Archive(ctx context.Context, employeeID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE tip_ledgers SET archived_at=NOW() WHERE employee_id=$1 AND archived_at IS NULL`, employeeID)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

// NewTx wraps an existing pgx transaction so collaborators can post entries
// atomically with their own rows. Entry writes still flow through this
// package only.
func NewTx(tx pgx.Tx) Tx {
	return &pgTx{tx: tx}
}

func (t *pgTx) EnsureLedger(ctx context.Context, employeeID int64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO tip_ledgers (employee_id, balance, created_at)
VALUES ($1, 0, NOW()) ON CONFLICT (employee_id) DO NOTHING`, employeeID)
	return err
}

func (t *pgTx) BalanceForUpdate(ctx context.Context, employeeID int64) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `SELECT balance::text FROM tip_ledgers WHERE employee_id=$1 FOR UPDATE`, employeeID).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (t *pgTx) InsertEntry(ctx context.Context, in PostInput) (Entry, bool, error) {
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	var entry Entry
	err := t.tx.QueryRow(ctx, `INSERT INTO tip_ledger_entries (employee_id, direction, amount, source_type, source_ref, idempotency_key, occurred_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id, created_at`, in.EmployeeID, in.Direction, in.Amount.StringFixed(2), in.SourceType, in.SourceRef, in.IdempotencyKey, occurred).
		Scan(&entry.ID, &entry.CreatedAt)
	if err == nil {
		entry.EmployeeID = in.EmployeeID
		entry.Direction = in.Direction
		entry.Amount = in.Amount
		entry.SourceType = in.SourceType
		entry.SourceRef = in.SourceRef
		entry.IdempotencyKey = in.IdempotencyKey
		entry.OccurredAt = occurred
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, err
	}
	// Conflict: exactly-once semantics, return the existing entry.
	existing, err := t.entryByKey(ctx, in.IdempotencyKey)
	if err != nil {
		return Entry{}, false, err
	}
	return existing, false, nil
}

func (t *pgTx) ApplyBalance(ctx context.Context, employeeID int64, delta decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE tip_ledgers SET balance = balance + $2::numeric WHERE employee_id=$1`, employeeID, delta.StringFixed(2))
	return err
}

func (t *pgTx) entryByKey(ctx context.Context, key string) (Entry, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, employee_id, direction, amount::text, source_type, source_ref, idempotency_key, occurred_at, created_at
FROM tip_ledger_entries WHERE idempotency_key=$1`, key)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var raw string
	if err := row.Scan(&e.ID, &e.EmployeeID, &e.Direction, &raw, &e.SourceType, &e.SourceRef, &e.IdempotencyKey, &e.OccurredAt, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return Entry{}, err
	}
	e.Amount = amount
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
