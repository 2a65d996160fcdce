package allocation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed transaction repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) CreateTransaction(ctx context.Context, tx Transaction) (bool, error) {
	cmd, err := r.db.Exec(ctx, `INSERT INTO tip_transactions (id, order_id, payment_id, tip_amount, paid_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (order_id, payment_id) DO NOTHING`,
		tx.ID, tx.OrderID, tx.PaymentID, tx.TipAmount.StringFixed(2), tx.PaidAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *repository) GetTransaction(ctx context.Context, orderID int64, paymentID uuid.UUID) (Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT id, order_id, payment_id, tip_amount::text, paid_at, created_at
FROM tip_transactions WHERE order_id=$1 AND payment_id=$2`, orderID, paymentID)
	return scanTransaction(row)
}

func (r *repository) GetTransactionByPayment(ctx context.Context, paymentID uuid.UUID) (Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT id, order_id, payment_id, tip_amount::text, paid_at, created_at
FROM tip_transactions WHERE payment_id=$1`, paymentID)
	return scanTransaction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx     Transaction
		amount string
	)
	err := row.Scan(&tx.ID, &tx.OrderID, &tx.PaymentID, &amount, &tx.PaidAt, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, shared.ErrNotFound
		}
		return Transaction{}, err
	}
	tx.TipAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
