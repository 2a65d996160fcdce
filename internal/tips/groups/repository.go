package groups

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed group repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const groupColumns = `id, name, owner_id, status, COALESCE(template_role, ''), created_at, updated_at, closed_at, deleted_at`

func (r *repository) GetGroup(ctx context.Context, id int64) (Group, error) {
	row := r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM tip_groups WHERE id=$1 AND deleted_at IS NULL`, id)
	return scanGroup(row)
}

func (r *repository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.db.Query(ctx, `SELECT `+groupColumns+` FROM tip_groups WHERE deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *repository) SegmentAt(ctx context.Context, groupID int64, at time.Time) (Segment, error) {
	row := r.db.QueryRow(ctx, `SELECT id, group_id, started_at, ended_at FROM tip_group_segments
WHERE group_id=$1 AND started_at <= $2 AND (ended_at IS NULL OR ended_at > $2)`, groupID, at)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Segment{}, ErrNoSegmentFound
		}
		return Segment{}, err
	}
	seg.Members, err = r.segmentMembers(ctx, seg.ID)
	return seg, err
}

func (r *repository) SegmentsInRange(ctx context.Context, groupID int64, from, to time.Time) ([]Segment, error) {
	rows, err := r.db.Query(ctx, `SELECT id, group_id, started_at, ended_at FROM tip_group_segments
WHERE group_id=$1 AND started_at < $3 AND (ended_at IS NULL OR ended_at > $2)
ORDER BY started_at ASC`, groupID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var segments []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range segments {
		members, err := r.segmentMembers(ctx, segments[i].ID)
		if err != nil {
			return nil, err
		}
		segments[i].Members = members
	}
	return segments, nil
}

func (r *repository) ActiveSegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (Segment, error) {
	row := r.db.QueryRow(ctx, `SELECT s.id, s.group_id, s.started_at, s.ended_at
FROM tip_group_segments s
JOIN tip_group_segment_members sm ON sm.segment_id = s.id
JOIN tip_groups g ON g.id = s.group_id
WHERE sm.employee_id=$1 AND g.deleted_at IS NULL
  AND s.started_at <= $2 AND (s.ended_at IS NULL OR s.ended_at > $2)
ORDER BY s.started_at DESC
LIMIT 1`, employeeID, at)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Segment{}, ErrNoSegmentFound
		}
		return Segment{}, err
	}
	seg.Members, err = r.segmentMembers(ctx, seg.ID)
	return seg, err
}

func (r *repository) TemplateGroupForRole(ctx context.Context, role string) (Group, error) {
	row := r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM tip_groups
WHERE template_role=$1 AND status != 'CLOSED' AND deleted_at IS NULL
ORDER BY id ASC LIMIT 1`, role)
	return scanGroup(row)
}

func (r *repository) MemberTotals(ctx context.Context, seg Segment) ([]MemberTotal, error) {
	end := time.Now()
	if seg.EndedAt != nil {
		end = *seg.EndedAt
	}
	rows, err := r.db.Query(ctx, `SELECT e.employee_id, COALESCE(SUM(e.amount), 0)::text
FROM tip_ledger_entries e
JOIN tip_group_segment_members sm ON sm.employee_id = e.employee_id AND sm.segment_id = $1
WHERE e.direction='CREDIT' AND e.source_type='POOL_SHARE'
  AND e.occurred_at >= $2 AND e.occurred_at < $3
GROUP BY e.employee_id
ORDER BY e.employee_id ASC`, seg.ID, seg.StartedAt, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []MemberTotal
	for rows.Next() {
		var t MemberTotal
		if err := rows.Scan(&t.EmployeeID, &t.Amount); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r *repository) segmentMembers(ctx context.Context, segmentID int64) ([]SegmentMember, error) {
	rows, err := r.db.Query(ctx, `SELECT employee_id, weight FROM tip_group_segment_members
WHERE segment_id=$1 ORDER BY employee_id ASC`, segmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []SegmentMember
	for rows.Next() {
		var m SegmentMember
		if err := rows.Scan(&m.EmployeeID, &m.Weight); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) InsertGroup(ctx context.Context, name string, ownerID int64, templateRole string) (Group, error) {
	var role any
	if templateRole != "" {
		role = templateRole
	}
	row := t.tx.QueryRow(ctx, `INSERT INTO tip_groups (name, owner_id, status, template_role)
VALUES ($1, $2, 'FORMING', $3)
RETURNING `+groupColumns, name, ownerID, role)
	return scanGroup(row)
}

func (t *txRepository) GetGroupForUpdate(ctx context.Context, id int64) (Group, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM tip_groups WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, id)
	return scanGroup(row)
}

func (t *txRepository) UpdateGroupStatus(ctx context.Context, id int64, status GroupStatus, closedAt *time.Time) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE tip_groups SET status=$2, closed_at=$3, updated_at=NOW() WHERE id=$1`, id, status, closedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepository) ActiveMembers(ctx context.Context, groupID int64) ([]Membership, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, group_id, employee_id, weight, joined_at, left_at, deleted_at
FROM tip_group_memberships
WHERE group_id=$1 AND left_at IS NULL AND deleted_at IS NULL
ORDER BY joined_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.EmployeeID, &m.Weight, &m.JoinedAt, &m.LeftAt, &m.DeletedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *repository) ActiveGroupIDs(ctx context.Context, employeeID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT m.group_id
FROM tip_group_memberships m
JOIN tip_groups g ON g.id = m.group_id
WHERE m.employee_id=$1 AND m.left_at IS NULL AND m.deleted_at IS NULL
  AND g.status='ACTIVE' AND g.deleted_at IS NULL
ORDER BY m.group_id ASC`, employeeID)
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

func (t *txRepository) InsertMembership(ctx context.Context, groupID, employeeID, weight int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO tip_group_memberships (group_id, employee_id, weight, joined_at)
VALUES ($1, $2, $3, $4)`, groupID, employeeID, weight, at)
	return err
}

func (t *txRepository) EndMembership(ctx context.Context, groupID, employeeID int64, at time.Time) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE tip_group_memberships SET left_at=$3
WHERE group_id=$1 AND employee_id=$2 AND left_at IS NULL AND deleted_at IS NULL`, groupID, employeeID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (t *txRepository) UpdateWeight(ctx context.Context, groupID, employeeID, weight int64) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE tip_group_memberships SET weight=$3
WHERE group_id=$1 AND employee_id=$2 AND left_at IS NULL AND deleted_at IS NULL`, groupID, employeeID, weight)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (t *txRepository) CloseOpenSegment(ctx context.Context, groupID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE tip_group_segments SET ended_at=$2
WHERE group_id=$1 AND ended_at IS NULL`, groupID, at)
	return err
}

func (t *txRepository) OpenSegment(ctx context.Context, groupID int64, at time.Time, members []SegmentMember) (Segment, error) {
	var seg Segment
	err := t.tx.QueryRow(ctx, `INSERT INTO tip_group_segments (group_id, started_at)
VALUES ($1, $2) RETURNING id, group_id, started_at`, groupID, at).
		Scan(&seg.ID, &seg.GroupID, &seg.StartedAt)
	if err != nil {
		return Segment{}, err
	}
	for _, m := range members {
		if _, err := t.tx.Exec(ctx, `INSERT INTO tip_group_segment_members (segment_id, employee_id, weight)
VALUES ($1, $2, $3)`, seg.ID, m.EmployeeID, m.Weight); err != nil {
			return Segment{}, err
		}
	}
	seg.Members = members
	return seg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.Status, &g.TemplateRole, &g.CreatedAt, &g.UpdatedAt, &g.ClosedAt, &g.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, shared.ErrNotFound
		}
		return Group{}, err
	}
	return g, nil
}

func scanSegment(row rowScanner) (Segment, error) {
	var seg Segment
	if err := row.Scan(&seg.ID, &seg.GroupID, &seg.StartedAt, &seg.EndedAt); err != nil {
		return Segment{}, err
	}
	return seg, nil
}
