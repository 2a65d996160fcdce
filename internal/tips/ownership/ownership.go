// Package ownership resolves which employee(s) own a paid order's tip and in
// what proportion. Shares are captured in basis points at order time and are
// immutable once recorded, so a later split edit can never retroactively
// change a paid allocation.
package ownership

import (
	"context"
	"errors"
	"time"
)

// Share attributes a slice of an order's tip to one employee. The shares of
// an order always sum to 10000 basis points.
type Share struct {
	EmployeeID  int64
	BasisPoints int32
}

var (
	// ErrInvalidShares rejects share sets that do not sum to 100%.
	ErrInvalidShares = errors.New("ownership: shares must sum to 10000 basis points")
	// ErrUnknownOrder indicates the order has no resolvable owner.
	ErrUnknownOrder = errors.New("ownership: order has no owner")
)

// Repository persists and reads ownership records.
type Repository interface {
	SharesFor(ctx context.Context, orderID int64) ([]Share, error)
	RecordShares(ctx context.Context, orderID int64, shares []Share) error
	OrderOwner(ctx context.Context, orderID int64) (int64, error)
}

// Service is the ownership resolver.
type Service struct {
	repo Repository
}

// NewService constructs the resolver.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Resolve returns the tip shares for an order at payment time. Stored shares
// win; otherwise the order-owning employee gets 100%.
func (s *Service) Resolve(ctx context.Context, orderID int64, paymentTime time.Time) ([]Share, error) {
	shares, err := s.repo.SharesFor(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(shares) > 0 {
		return shares, nil
	}
	owner, err := s.repo.OrderOwner(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if owner == 0 {
		return nil, ErrUnknownOrder
	}
	return []Share{{EmployeeID: owner, BasisPoints: 10000}}, nil
}

// Record stores ownership shares for an order. First write wins; a repeat
// write is a no-op so retried payment events cannot rewrite history.
func (s *Service) Record(ctx context.Context, orderID int64, shares []Share) error {
	if err := Validate(shares); err != nil {
		return err
	}
	return s.repo.RecordShares(ctx, orderID, shares)
}

// Validate checks a share set sums to exactly 100%.
func Validate(shares []Share) error {
	if len(shares) == 0 {
		return ErrInvalidShares
	}
	var sum int32
	seen := make(map[int64]struct{}, len(shares))
	for _, sh := range shares {
		if sh.EmployeeID == 0 || sh.BasisPoints <= 0 {
			return ErrInvalidShares
		}
		if _, dup := seen[sh.EmployeeID]; dup {
			return ErrInvalidShares
		}
		seen[sh.EmployeeID] = struct{}{}
		sum += sh.BasisPoints
	}
	if sum != 10000 {
		return ErrInvalidShares
	}
	return nil
}
