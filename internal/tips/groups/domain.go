// Package groups owns pooling-group lifecycle: creation, membership changes,
// and the time-sliced segments that freeze a membership+weight snapshot.
// Allocation always reads the segment covering the payment time, so history
// is immune to later membership edits.
package groups

import (
	"errors"
	"time"
)

// GroupStatus enumerates group lifecycle values.
type GroupStatus string

const (
	StatusForming GroupStatus = "FORMING"
	StatusActive  GroupStatus = "ACTIVE"
	StatusClosed  GroupStatus = "CLOSED"
)

var (
	// ErrNoSegmentFound indicates no segment covers the requested time.
	// Callers fall back to direct-tip handling; a tip is never dropped.
	ErrNoSegmentFound = errors.New("groups: no segment covers the requested time")
	// ErrGroupClosed rejects membership changes on a closed group.
	ErrGroupClosed = errors.New("groups: group is closed")
	// ErrAlreadyMember rejects a duplicate join.
	ErrAlreadyMember = errors.New("groups: employee is already a member")
	// ErrNotMember rejects leave/reweight for a non-member.
	ErrNotMember = errors.New("groups: employee is not a member")
)

// Group is a pooling unit.
type Group struct {
	ID           int64
	Name         string
	OwnerID      int64
	Status       GroupStatus
	TemplateRole string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
	DeletedAt    *time.Time
}

// Membership tracks a current or former member of a group.
type Membership struct {
	ID         int64
	GroupID    int64
	EmployeeID int64
	Weight     int64
	JoinedAt   time.Time
	LeftAt     *time.Time
	DeletedAt  *time.Time
}

// SegmentMember is one frozen (employee, weight) pair.
type SegmentMember struct {
	EmployeeID int64
	Weight     int64
}

// Segment is an immutable membership snapshot valid over [StartedAt, EndedAt).
// For a given group the segments are contiguous: no gaps, no overlaps.
type Segment struct {
	ID        int64
	GroupID   int64
	StartedAt time.Time
	EndedAt   *time.Time
	Members   []SegmentMember
}

// Covers reports whether the segment interval contains ts.
func (s Segment) Covers(ts time.Time) bool {
	if ts.Before(s.StartedAt) {
		return false
	}
	return s.EndedAt == nil || ts.Before(*s.EndedAt)
}

// HasMember reports whether the employee is part of the snapshot.
func (s Segment) HasMember(employeeID int64) bool {
	for _, m := range s.Members {
		if m.EmployeeID == employeeID {
			return true
		}
	}
	return false
}

// SegmentReport aggregates per-member allocation totals for one segment.
type SegmentReport struct {
	Segment Segment
	Totals  []MemberTotal
}

// MemberTotal is the pool-share sum credited to one member in a segment window.
type MemberTotal struct {
	EmployeeID int64
	Amount     string
}
