// Package ledger owns the per-employee tip account and its append-only entry
// log. It is the only place balances are computed or mutated; every other
// component moves money exclusively through the posting primitives here.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction marks an entry as money in or money out of a ledger.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// SourceType classifies why an entry exists.
type SourceType string

const (
	SourceDirectTip          SourceType = "DIRECT_TIP"
	SourcePoolShare          SourceType = "POOL_SHARE"
	SourceTipOut             SourceType = "TIP_OUT"
	SourceTransfer           SourceType = "TRANSFER"
	SourcePayout             SourceType = "PAYOUT"
	SourceChargebackReversal SourceType = "CHARGEBACK_REVERSAL"
	SourceAdjustment         SourceType = "ADJUSTMENT"
	SourceDebtReclaim        SourceType = "DEBT_RECLAIM"
)

// Ledger is the per-employee account head. Balance is a running total kept
// in lockstep with entry insertion; it is never written independently.
type Ledger struct {
	EmployeeID int64
	Balance    decimal.Decimal
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

// Entry is a single immutable movement. Entries are never updated or
// deleted; corrections are new offsetting entries.
type Entry struct {
	ID             int64
	EmployeeID     int64
	Direction      Direction
	Amount         decimal.Decimal
	SourceType     SourceType
	SourceRef      uuid.UUID
	IdempotencyKey string
	OccurredAt     time.Time
	CreatedAt      time.Time
}

// Signed returns the entry amount with direction applied: credits positive,
// debits negative.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}
