// Package staff exposes the read-only employee/role boundary the tip engine
// depends on. Employee CRUD and clock workflows live elsewhere in the POS;
// the engine only ever asks who someone is and who is on shift.
package staff

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

// Directory resolves employee roles and shift presence.
type Directory interface {
	RoleOf(ctx context.Context, employeeID int64) (string, error)
	OnShift(ctx context.Context, role string, at time.Time) ([]int64, error)
}

type pgDirectory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory backed by the POS employees/shifts tables.
func NewDirectory(pool *pgxpool.Pool) Directory {
	return &pgDirectory{pool: pool}
}

func (d *pgDirectory) RoleOf(ctx context.Context, employeeID int64) (string, error) {
	var role string
	err := d.pool.QueryRow(ctx, `SELECT role FROM employees WHERE id=$1 AND deleted_at IS NULL`, employeeID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return role, nil
}

func (d *pgDirectory) OnShift(ctx context.Context, role string, at time.Time) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT e.id
FROM employees e
JOIN shifts s ON s.employee_id = e.id
WHERE e.role = $1
  AND e.deleted_at IS NULL
  AND s.clock_in_at <= $2
  AND (s.clock_out_at IS NULL OR s.clock_out_at > $2)
ORDER BY e.id ASC`, role, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
