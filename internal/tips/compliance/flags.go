package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

// FlagStatus enumerates review states.
type FlagStatus string

const (
	FlagOpen     FlagStatus = "OPEN"
	FlagResolved FlagStatus = "RESOLVED"
)

// Flag is a persisted violation awaiting manager review.
type Flag struct {
	ID         int64
	Code       string
	EmployeeID int64
	Detail     string
	SourceRef  uuid.UUID
	Status     FlagStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy *int64
}

// FlagStore persists violations and serves the review queue.
type FlagStore interface {
	Insert(ctx context.Context, violations []Violation) error
	List(ctx context.Context, status FlagStatus, limit, offset int) ([]Flag, int, error)
	Resolve(ctx context.Context, id, actorID int64) error
}

type pgFlagStore struct {
	db *pgxpool.Pool
}

// NewFlagStore returns the PostgreSQL-backed flag store.
func NewFlagStore(db *pgxpool.Pool) FlagStore {
	return &pgFlagStore{db: db}
}

func (s *pgFlagStore) Insert(ctx context.Context, violations []Violation) error {
	for _, v := range violations {
		occurred := v.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now()
		}
		var ref any
		if v.SourceRef != uuid.Nil {
			ref = v.SourceRef
		}
		if _, err := s.db.Exec(ctx, `INSERT INTO tip_compliance_flags (code, employee_id, detail, source_ref, status, created_at)
VALUES ($1, $2, $3, $4, 'OPEN', $5)`, v.Code, v.EmployeeID, v.Detail, ref, occurred); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgFlagStore) List(ctx context.Context, status FlagStatus, limit, offset int) ([]Flag, int, error) {
	if status == "" {
		status = FlagOpen
	}
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tip_compliance_flags WHERE status=$1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx, `SELECT id, code, COALESCE(employee_id, 0), detail, source_ref, status, created_at, resolved_at, resolved_by
FROM tip_compliance_flags WHERE status=$1
ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var flags []Flag
	for rows.Next() {
		var f Flag
		var ref *uuid.UUID
		if err := rows.Scan(&f.ID, &f.Code, &f.EmployeeID, &f.Detail, &ref, &f.Status, &f.CreatedAt, &f.ResolvedAt, &f.ResolvedBy); err != nil {
			return nil, 0, err
		}
		if ref != nil {
			f.SourceRef = *ref
		}
		flags = append(flags, f)
	}
	return flags, total, rows.Err()
}

func (s *pgFlagStore) Resolve(ctx context.Context, id, actorID int64) error {
	cmd, err := s.db.Exec(ctx, `UPDATE tip_compliance_flags SET status='RESOLVED', resolved_at=NOW(), resolved_by=$2
WHERE id=$1 AND status='OPEN'`, id, actorID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
