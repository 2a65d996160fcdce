package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

var (
	// ErrInvalidAmount rejects non-positive or sub-cent amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be a positive cent-precise value")
	// ErrUnbalanced rejects paired postings whose debits and credits differ.
	ErrUnbalanced = errors.New("ledger: paired posting debits and credits must be equal")
	// ErrInsufficientBalance rejects withdrawals exceeding the current balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// PostInput describes one entry to append.
type PostInput struct {
	EmployeeID     int64
	Direction      Direction
	Amount         decimal.Decimal
	SourceType     SourceType
	SourceRef      uuid.UUID
	IdempotencyKey string
	OccurredAt     time.Time
}

// Validate ensures the input can be posted.
func (in PostInput) Validate() error {
	if in.EmployeeID == 0 {
		return errors.New("ledger: employee id required")
	}
	if in.Direction != DirectionCredit && in.Direction != DirectionDebit {
		return fmt.Errorf("ledger: unknown direction %q", in.Direction)
	}
	if !in.Amount.IsPositive() || !shared.IsCentPrecise(in.Amount) {
		return ErrInvalidAmount
	}
	if in.SourceType == "" {
		return errors.New("ledger: source type required")
	}
	if in.SourceRef == uuid.Nil {
		return errors.New("ledger: source ref required")
	}
	if in.IdempotencyKey == "" {
		return errors.New("ledger: idempotency key required")
	}
	return nil
}

// PairedInput groups entries that move money between ledgers. The whole set
// commits atomically and must balance to zero.
type PairedInput struct {
	Debits  []PostInput
	Credits []PostInput
}

// Validate checks every entry and the debit/credit balance invariant.
func (in PairedInput) Validate() error {
	if len(in.Debits) == 0 || len(in.Credits) == 0 {
		return errors.New("ledger: paired posting requires debits and credits")
	}
	var debits, credits decimal.Decimal
	for _, d := range in.Debits {
		if err := d.Validate(); err != nil {
			return err
		}
		if d.Direction != DirectionDebit {
			return errors.New("ledger: debit side contains a credit entry")
		}
		debits = debits.Add(d.Amount)
	}
	for _, c := range in.Credits {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.Direction != DirectionCredit {
			return errors.New("ledger: credit side contains a debit entry")
		}
		credits = credits.Add(c.Amount)
	}
	if !debits.Equal(credits) {
		return ErrUnbalanced
	}
	return nil
}

// EntryQuery filters ledger history listings.
type EntryQuery struct {
	EmployeeID int64
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
