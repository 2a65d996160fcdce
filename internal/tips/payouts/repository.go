package payouts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed payout repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

const payoutColumns = `id, employee_id, amount::text, method, status, requested_by, COALESCE(fail_reason, ''), created_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (Payout, error) {
	row := r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM tip_payouts WHERE id=$1`, id)
	return scanPayout(row)
}

func (r *repository) List(ctx context.Context, employeeID int64, limit, offset int) ([]Payout, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM tip_payouts WHERE employee_id=$1`, employeeID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+payoutColumns+` FROM tip_payouts
WHERE employee_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, employeeID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var payouts []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, 0, err
		}
		payouts = append(payouts, p)
	}
	return payouts, total, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Ledger() ledger.Tx {
	return ledger.NewTx(t.tx)
}

func (t *pgTx) InsertPayout(ctx context.Context, p Payout) error {
	var reason any
	if p.FailReason != "" {
		reason = p.FailReason
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO tip_payouts (id, employee_id, amount, method, status, requested_by, fail_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.EmployeeID, p.Amount.StringFixed(2), p.Method, p.Status, p.RequestedBy, reason, p.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row rowScanner) (Payout, error) {
	var (
		p      Payout
		amount string
	)
	err := row.Scan(&p.ID, &p.EmployeeID, &amount, &p.Method, &p.Status, &p.RequestedBy, &p.FailReason, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, shared.ErrNotFound
		}
		return Payout{}, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Payout{}, err
	}
	return p, nil
}
