package adjustments

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed adjustment repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Ledger() ledger.Tx {
	return ledger.NewTx(t.tx)
}

func (t *pgTx) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO tip_adjustments (id, employee_id, entry_id, direction, amount, reason, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		adj.ID, adj.EmployeeID, adj.EntryID, adj.Direction, adj.Amount.StringFixed(2), adj.Reason, adj.CreatedBy, adj.CreatedAt)
	return err
}
