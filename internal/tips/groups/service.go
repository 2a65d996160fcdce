package groups

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Repository encapsulates DB operations for groups and segments.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetGroup(ctx context.Context, id int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	SegmentAt(ctx context.Context, groupID int64, at time.Time) (Segment, error)
	SegmentsInRange(ctx context.Context, groupID int64, from, to time.Time) ([]Segment, error)
	ActiveSegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (Segment, error)
	ActiveGroupIDs(ctx context.Context, employeeID int64) ([]int64, error)
	TemplateGroupForRole(ctx context.Context, role string) (Group, error)
	MemberTotals(ctx context.Context, seg Segment) ([]MemberTotal, error)
}

// TxRepository exposes methods available within a group transaction.
type TxRepository interface {
	InsertGroup(ctx context.Context, name string, ownerID int64, templateRole string) (Group, error)
	GetGroupForUpdate(ctx context.Context, id int64) (Group, error)
	UpdateGroupStatus(ctx context.Context, id int64, status GroupStatus, closedAt *time.Time) error
	ActiveMembers(ctx context.Context, groupID int64) ([]Membership, error)
	InsertMembership(ctx context.Context, groupID, employeeID, weight int64, at time.Time) error
	EndMembership(ctx context.Context, groupID, employeeID int64, at time.Time) error
	UpdateWeight(ctx context.Context, groupID, employeeID, weight int64) error
	CloseOpenSegment(ctx context.Context, groupID int64, at time.Time) error
	OpenSegment(ctx context.Context, groupID int64, at time.Time, members []SegmentMember) (Segment, error)
}

// EventSink receives fire-and-forget lifecycle broadcasts after commit.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any)
}

// Service drives group lifecycle and segment rotation.
type Service struct {
	repo   Repository
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the group engine.
func NewService(repo Repository, events EventSink, logger *slog.Logger) *Service {
	return &Service{repo: repo, events: events, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new group in FORMING state. It holds no segment until the
// first member joins.
func (s *Service) Create(ctx context.Context, name string, ownerID int64, templateRole string) (Group, error) {
	if name == "" {
		return Group{}, errors.New("groups: name required")
	}
	var group Group
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		group, err = tx.InsertGroup(ctx, name, ownerID, templateRole)
		return err
	})
	if err != nil {
		return Group{}, err
	}
	s.publish(ctx, "group.created", group)
	return group, nil
}

// Join adds a member. The first join activates the group. Any membership
// change closes the open segment and opens a successor snapshot; tips
// already sitting in earlier segments are untouched.
func (s *Service) Join(ctx context.Context, groupID, employeeID, weight int64, at time.Time) error {
	if weight <= 0 {
		weight = 1
	}
	at = s.resolve(at)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		group, err := tx.GetGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status == StatusClosed {
			return ErrGroupClosed
		}
		members, err := tx.ActiveMembers(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.EmployeeID == employeeID {
				return ErrAlreadyMember
			}
		}
		if err := tx.InsertMembership(ctx, groupID, employeeID, weight, at); err != nil {
			return err
		}
		if group.Status == StatusForming {
			if err := tx.UpdateGroupStatus(ctx, groupID, StatusActive, nil); err != nil {
				return err
			}
		}
		snapshot := appendMember(toSnapshot(members), employeeID, weight)
		return s.rotateSegment(ctx, tx, groupID, at, snapshot)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, "group.member_joined", map[string]any{"group_id": groupID, "employee_id": employeeID, "weight": weight, "at": at})
	return nil
}

// Leave removes a member and rotates the segment. When the last member
// leaves, the open segment is closed and none is opened; allocation falls
// back to direct tips for later payment times.
func (s *Service) Leave(ctx context.Context, groupID, employeeID int64, at time.Time) error {
	at = s.resolve(at)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		group, err := tx.GetGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status == StatusClosed {
			return ErrGroupClosed
		}
		members, err := tx.ActiveMembers(ctx, groupID)
		if err != nil {
			return err
		}
		if !containsMember(members, employeeID) {
			return ErrNotMember
		}
		if err := tx.EndMembership(ctx, groupID, employeeID, at); err != nil {
			return err
		}
		return s.rotateSegment(ctx, tx, groupID, at, removeMember(toSnapshot(members), employeeID))
	})
	if err != nil {
		return err
	}
	s.publish(ctx, "group.member_left", map[string]any{"group_id": groupID, "employee_id": employeeID, "at": at})
	return nil
}

// Reweight edits a member's split weight, which is a segment-rotating change
// like any other membership edit.
func (s *Service) Reweight(ctx context.Context, groupID, employeeID, weight int64, at time.Time) error {
	if weight <= 0 {
		return errors.New("groups: weight must be positive")
	}
	at = s.resolve(at)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		group, err := tx.GetGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status == StatusClosed {
			return ErrGroupClosed
		}
		members, err := tx.ActiveMembers(ctx, groupID)
		if err != nil {
			return err
		}
		if !containsMember(members, employeeID) {
			return ErrNotMember
		}
		if err := tx.UpdateWeight(ctx, groupID, employeeID, weight); err != nil {
			return err
		}
		snapshot := toSnapshot(members)
		for i := range snapshot {
			if snapshot[i].EmployeeID == employeeID {
				snapshot[i].Weight = weight
			}
		}
		return s.rotateSegment(ctx, tx, groupID, at, snapshot)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, "group.member_reweighted", map[string]any{"group_id": groupID, "employee_id": employeeID, "weight": weight, "at": at})
	return nil
}

// Close terminates the group: all members are removed, the open segment is
// closed, and the group no longer accepts allocation.
func (s *Service) Close(ctx context.Context, groupID int64, at time.Time) error {
	at = s.resolve(at)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		group, err := tx.GetGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status == StatusClosed {
			return ErrGroupClosed
		}
		members, err := tx.ActiveMembers(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.EndMembership(ctx, groupID, m.EmployeeID, at); err != nil {
				return err
			}
		}
		if err := tx.CloseOpenSegment(ctx, groupID, at); err != nil {
			return err
		}
		return tx.UpdateGroupStatus(ctx, groupID, StatusClosed, &at)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, "group.closed", map[string]any{"group_id": groupID, "at": at})
	return nil
}

// LeaveAll removes the employee from every active group, used when a shift
// closes.
func (s *Service) LeaveAll(ctx context.Context, employeeID int64, at time.Time) error {
	at = s.resolve(at)
	groupIDs, err := s.repo.ActiveGroupIDs(ctx, employeeID)
	if err != nil {
		return err
	}
	for _, id := range groupIDs {
		if err := s.Leave(ctx, id, employeeID, at); err != nil && !errors.Is(err, ErrNotMember) {
			return err
		}
	}
	return nil
}

// JoinTemplateForRole adds a clocked-in employee to the pre-configured
// template pool for their role, if one exists.
func (s *Service) JoinTemplateForRole(ctx context.Context, employeeID int64, role string, at time.Time) error {
	group, err := s.repo.TemplateGroupForRole(ctx, role)
	if err != nil {
		return err
	}
	err = s.Join(ctx, group.ID, employeeID, 1, at)
	if errors.Is(err, ErrAlreadyMember) {
		return nil
	}
	return err
}

// SegmentActiveAt returns the segment whose [start, end) interval contains
// the timestamp.
func (s *Service) SegmentActiveAt(ctx context.Context, groupID int64, at time.Time) (Segment, error) {
	return s.repo.SegmentAt(ctx, groupID, at)
}

// SegmentForEmployee finds the segment of an active group that includes the
// employee at the given time. ErrNoSegmentFound when the employee was not
// pooled then.
func (s *Service) SegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (Segment, error) {
	return s.repo.ActiveSegmentForEmployee(ctx, employeeID, at)
}

// HasActiveMembership reports whether the employee currently belongs to any
// active group, regardless of segment coverage.
func (s *Service) HasActiveMembership(ctx context.Context, employeeID int64) (bool, error) {
	ids, err := s.repo.ActiveGroupIDs(ctx, employeeID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Get returns one group.
func (s *Service) Get(ctx context.Context, groupID int64) (Group, error) {
	return s.repo.GetGroup(ctx, groupID)
}

// List returns all non-deleted groups.
func (s *Service) List(ctx context.Context) ([]Group, error) {
	return s.repo.ListGroups(ctx)
}

// Report builds the per-segment allocation breakdown for a date range.
func (s *Service) Report(ctx context.Context, groupID int64, from, to time.Time) ([]SegmentReport, error) {
	segments, err := s.repo.SegmentsInRange(ctx, groupID, from, to)
	if err != nil {
		return nil, err
	}
	reports := make([]SegmentReport, 0, len(segments))
	for _, seg := range segments {
		totals, err := s.repo.MemberTotals(ctx, seg)
		if err != nil {
			return nil, err
		}
		reports = append(reports, SegmentReport{Segment: seg, Totals: totals})
	}
	return reports, nil
}

// rotateSegment closes the open segment at the change instant and opens a
// successor with the new snapshot, keeping the segment chain gap-free. No
// segment is opened for an empty snapshot.
func (s *Service) rotateSegment(ctx context.Context, tx TxRepository, groupID int64, at time.Time, snapshot []SegmentMember) error {
	if err := tx.CloseOpenSegment(ctx, groupID, at); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	_, err := tx.OpenSegment(ctx, groupID, at, snapshot)
	return err
}

func (s *Service) publish(ctx context.Context, event string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event, payload)
}

func (s *Service) resolve(at time.Time) time.Time {
	if at.IsZero() {
		return s.now()
	}
	return at
}

func toSnapshot(members []Membership) []SegmentMember {
	out := make([]SegmentMember, 0, len(members))
	for _, m := range members {
		out = append(out, SegmentMember{EmployeeID: m.EmployeeID, Weight: m.Weight})
	}
	return out
}

func appendMember(snapshot []SegmentMember, employeeID, weight int64) []SegmentMember {
	return append(snapshot, SegmentMember{EmployeeID: employeeID, Weight: weight})
}

func removeMember(snapshot []SegmentMember, employeeID int64) []SegmentMember {
	out := snapshot[:0]
	for _, m := range snapshot {
		if m.EmployeeID != employeeID {
			out = append(out, m)
		}
	}
	return out
}

func containsMember(members []Membership, employeeID int64) bool {
	for _, m := range members {
		if m.EmployeeID == employeeID {
			return true
		}
	}
	return false
}
