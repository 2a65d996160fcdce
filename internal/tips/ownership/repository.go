package ownership

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed ownership repository. The
// orders table itself belongs to the POS order domain; this repository only
// reads the owning employee from it.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) SharesFor(ctx context.Context, orderID int64) ([]Share, error) {
	rows, err := r.db.Query(ctx, `SELECT employee_id, basis_points FROM order_ownership
WHERE order_id=$1 ORDER BY basis_points DESC, employee_id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var shares []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.EmployeeID, &sh.BasisPoints); err != nil {
			return nil, err
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

func (r *repository) RecordShares(ctx context.Context, orderID int64, shares []Share) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM order_ownership WHERE order_id=$1`, orderID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			// First write wins.
			return nil
		}
		for _, sh := range shares {
			if _, err := tx.Exec(ctx, `INSERT INTO order_ownership (order_id, employee_id, basis_points)
VALUES ($1, $2, $3) ON CONFLICT (order_id, employee_id) DO NOTHING`, orderID, sh.EmployeeID, sh.BasisPoints); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repository) OrderOwner(ctx context.Context, orderID int64) (int64, error) {
	var owner int64
	err := r.db.QueryRow(ctx, `SELECT server_id FROM orders WHERE id=$1`, orderID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownOrder
		}
		return 0, err
	}
	return owner, nil
}
