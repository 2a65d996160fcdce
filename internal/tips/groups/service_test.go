package groups

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

// memRepo is an in-memory Repository + TxRepository for service tests.
type memRepo struct {
	groups      map[int64]*Group
	memberships []*Membership
	segments    []*Segment
	nextGroup   int64
	nextMember  int64
	nextSegment int64
}

func newMemRepo() *memRepo {
	return &memRepo{groups: make(map[int64]*Group)}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memRepo) InsertGroup(ctx context.Context, name string, ownerID int64, templateRole string) (Group, error) {
	r.nextGroup++
	g := &Group{
		ID:           r.nextGroup,
		Name:         name,
		OwnerID:      ownerID,
		Status:       StatusForming,
		TemplateRole: templateRole,
		CreatedAt:    time.Now(),
	}
	r.groups[g.ID] = g
	return *g, nil
}

func (r *memRepo) GetGroup(ctx context.Context, id int64) (Group, error) {
	g, ok := r.groups[id]
	if !ok || g.DeletedAt != nil {
		return Group{}, shared.ErrNotFound
	}
	return *g, nil
}

func (r *memRepo) GetGroupForUpdate(ctx context.Context, id int64) (Group, error) {
	return r.GetGroup(ctx, id)
}

func (r *memRepo) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	for _, g := range r.groups {
		if g.DeletedAt == nil {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateGroupStatus(ctx context.Context, id int64, status GroupStatus, closedAt *time.Time) error {
	g, ok := r.groups[id]
	if !ok {
		return shared.ErrNotFound
	}
	g.Status = status
	g.ClosedAt = closedAt
	return nil
}

func (r *memRepo) ActiveMembers(ctx context.Context, groupID int64) ([]Membership, error) {
	var out []Membership
	for _, m := range r.memberships {
		if m.GroupID == groupID && m.LeftAt == nil && m.DeletedAt == nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *memRepo) InsertMembership(ctx context.Context, groupID, employeeID, weight int64, at time.Time) error {
	r.nextMember++
	r.memberships = append(r.memberships, &Membership{
		ID: r.nextMember, GroupID: groupID, EmployeeID: employeeID, Weight: weight, JoinedAt: at,
	})
	return nil
}

func (r *memRepo) EndMembership(ctx context.Context, groupID, employeeID int64, at time.Time) error {
	for _, m := range r.memberships {
		if m.GroupID == groupID && m.EmployeeID == employeeID && m.LeftAt == nil {
			ended := at
			m.LeftAt = &ended
			return nil
		}
	}
	return ErrNotMember
}

func (r *memRepo) UpdateWeight(ctx context.Context, groupID, employeeID, weight int64) error {
	for _, m := range r.memberships {
		if m.GroupID == groupID && m.EmployeeID == employeeID && m.LeftAt == nil {
			m.Weight = weight
			return nil
		}
	}
	return ErrNotMember
}

func (r *memRepo) CloseOpenSegment(ctx context.Context, groupID int64, at time.Time) error {
	for _, s := range r.segments {
		if s.GroupID == groupID && s.EndedAt == nil {
			ended := at
			s.EndedAt = &ended
		}
	}
	return nil
}

func (r *memRepo) OpenSegment(ctx context.Context, groupID int64, at time.Time, members []SegmentMember) (Segment, error) {
	r.nextSegment++
	seg := &Segment{ID: r.nextSegment, GroupID: groupID, StartedAt: at, Members: members}
	r.segments = append(r.segments, seg)
	return *seg, nil
}

func (r *memRepo) SegmentAt(ctx context.Context, groupID int64, at time.Time) (Segment, error) {
	for _, s := range r.segments {
		if s.GroupID == groupID && s.Covers(at) {
			return *s, nil
		}
	}
	return Segment{}, ErrNoSegmentFound
}

func (r *memRepo) SegmentsInRange(ctx context.Context, groupID int64, from, to time.Time) ([]Segment, error) {
	var out []Segment
	for _, s := range r.segments {
		if s.GroupID != groupID || !s.StartedAt.Before(to) {
			continue
		}
		if s.EndedAt != nil && !s.EndedAt.After(from) {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *memRepo) ActiveSegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (Segment, error) {
	for _, s := range r.segments {
		if s.Covers(at) && s.HasMember(employeeID) {
			return *s, nil
		}
	}
	return Segment{}, ErrNoSegmentFound
}

func (r *memRepo) ActiveGroupIDs(ctx context.Context, employeeID int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range r.memberships {
		if m.EmployeeID != employeeID || m.LeftAt != nil || m.DeletedAt != nil {
			continue
		}
		g, ok := r.groups[m.GroupID]
		if !ok || g.Status != StatusActive {
			continue
		}
		if _, dup := seen[m.GroupID]; !dup {
			seen[m.GroupID] = struct{}{}
			ids = append(ids, m.GroupID)
		}
	}
	return ids, nil
}

func (r *memRepo) TemplateGroupForRole(ctx context.Context, role string) (Group, error) {
	for _, g := range r.groups {
		if g.TemplateRole == role && g.Status != StatusClosed && g.DeletedAt == nil {
			return *g, nil
		}
	}
	return Group{}, shared.ErrNotFound
}

func (r *memRepo) MemberTotals(ctx context.Context, seg Segment) ([]MemberTotal, error) {
	return nil, nil
}

func newTestService(repo *memRepo) *Service {
	return NewService(repo, nil, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func TestJoinActivatesAndOpensSegment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "patio", 100, "")
	require.NoError(t, err)
	require.Equal(t, StatusForming, group.Status)

	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))

	got, err := svc.Get(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	seg, err := svc.SegmentActiveAt(ctx, group.ID, at(1))
	require.NoError(t, err)
	require.True(t, seg.HasMember(1))
	require.Nil(t, seg.EndedAt)
}

func TestMembershipChangesRotateSegmentsWithoutGaps(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "dinner pool", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.NoError(t, svc.Join(ctx, group.ID, 2, 1, at(10)))
	require.NoError(t, svc.Leave(ctx, group.ID, 1, at(20)))

	// Three segments: {1}, {1,2}, {2}. Boundaries are half-open, so the
	// instant of a change belongs to the successor.
	require.Len(t, repo.segments, 3)
	for i := 0; i < len(repo.segments)-1; i++ {
		require.NotNil(t, repo.segments[i].EndedAt)
		require.True(t, repo.segments[i].EndedAt.Equal(repo.segments[i+1].StartedAt), "segment chain must be gap-free")
	}

	seg, err := svc.SegmentActiveAt(ctx, group.ID, at(5))
	require.NoError(t, err)
	require.True(t, seg.HasMember(1))
	require.False(t, seg.HasMember(2))

	seg, err = svc.SegmentActiveAt(ctx, group.ID, at(10))
	require.NoError(t, err)
	require.True(t, seg.HasMember(1))
	require.True(t, seg.HasMember(2))

	seg, err = svc.SegmentActiveAt(ctx, group.ID, at(25))
	require.NoError(t, err)
	require.False(t, seg.HasMember(1))
	require.True(t, seg.HasMember(2))
}

func TestHistoricalSegmentSurvivesLaterEdits(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "bar pool", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.NoError(t, svc.Join(ctx, group.ID, 2, 1, at(0)))

	// A payment lands at t+5; employee 3 joins afterwards.
	require.NoError(t, svc.Join(ctx, group.ID, 3, 1, at(30)))

	seg, err := svc.SegmentActiveAt(ctx, group.ID, at(5))
	require.NoError(t, err)
	require.Len(t, seg.Members, 2)
	require.False(t, seg.HasMember(3), "later join must not rewrite the historical snapshot")
}

func TestReweightRotatesSegment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "pool", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.NoError(t, svc.Join(ctx, group.ID, 2, 1, at(0)))
	require.NoError(t, svc.Reweight(ctx, group.ID, 2, 3, at(10)))

	before, err := svc.SegmentActiveAt(ctx, group.ID, at(5))
	require.NoError(t, err)
	after, err := svc.SegmentActiveAt(ctx, group.ID, at(15))
	require.NoError(t, err)
	require.NotEqual(t, before.ID, after.ID)
	for _, m := range after.Members {
		if m.EmployeeID == 2 {
			require.EqualValues(t, 3, m.Weight)
		}
	}
}

func TestLastLeaveClosesSegmentWithoutSuccessor(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "solo", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.NoError(t, svc.Leave(ctx, group.ID, 1, at(10)))

	_, err = svc.SegmentActiveAt(ctx, group.ID, at(15))
	require.ErrorIs(t, err, ErrNoSegmentFound)
}

func TestJoinRejectsDuplicatesAndClosedGroups(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "pool", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.ErrorIs(t, svc.Join(ctx, group.ID, 1, 1, at(1)), ErrAlreadyMember)

	require.NoError(t, svc.Close(ctx, group.ID, at(5)))
	require.ErrorIs(t, svc.Join(ctx, group.ID, 2, 1, at(6)), ErrGroupClosed)
}

func TestCloseEndsAllMembershipsAndSegment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	group, err := svc.Create(ctx, "pool", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, group.ID, 1, 1, at(0)))
	require.NoError(t, svc.Join(ctx, group.ID, 2, 1, at(0)))
	require.NoError(t, svc.Close(ctx, group.ID, at(30)))

	got, err := svc.Get(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	members, err := repo.ActiveMembers(ctx, group.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	_, err = svc.SegmentActiveAt(ctx, group.ID, at(31))
	require.ErrorIs(t, err, ErrNoSegmentFound)

	// Segment history before the close is intact.
	seg, err := svc.SegmentActiveAt(ctx, group.ID, at(10))
	require.NoError(t, err)
	require.Len(t, seg.Members, 2)
}

func TestLeaveAllRemovesFromEveryGroup(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	g1, err := svc.Create(ctx, "pool-a", 100, "")
	require.NoError(t, err)
	g2, err := svc.Create(ctx, "pool-b", 100, "")
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, g1.ID, 1, 1, at(0)))
	require.NoError(t, svc.Join(ctx, g2.ID, 1, 1, at(0)))

	require.NoError(t, svc.LeaveAll(ctx, 1, at(60)))

	pooled, err := svc.HasActiveMembership(ctx, 1)
	require.NoError(t, err)
	require.False(t, pooled)
}

func TestJoinTemplateForRoleIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, "server pool", 100, "server")
	require.NoError(t, err)

	require.NoError(t, svc.JoinTemplateForRole(ctx, 1, "server", at(0)))
	require.NoError(t, svc.JoinTemplateForRole(ctx, 1, "server", at(1)), "second clock-in must be a no-op")

	pooled, err := svc.HasActiveMembership(ctx, 1)
	require.NoError(t, err)
	require.True(t, pooled)
}
