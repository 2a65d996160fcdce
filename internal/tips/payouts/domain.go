// Package payouts converts ledger balances into money out the door, either
// as end-of-shift cash or forwarded to payroll. Every payout is a guarded
// ledger debit: the balance can never go negative through this path.
package payouts

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Method enumerates how a payout is disbursed.
type Method string

const (
	MethodCash    Method = "CASH"
	MethodPayroll Method = "PAYROLL"
)

// Status enumerates payout states.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrInvalidMethod rejects unknown disbursement methods.
	ErrInvalidMethod = errors.New("payouts: method must be CASH or PAYROLL")
)

// Payout is one disbursement against an employee's tip ledger.
type Payout struct {
	ID          uuid.UUID
	EmployeeID  int64
	Amount      decimal.Decimal
	Method      Method
	Status      Status
	RequestedBy int64
	FailReason  string
	CreatedAt   time.Time
}

// BatchItem is one employee's slot in a batch run. A zero Amount means cash
// out the full balance.
type BatchItem struct {
	EmployeeID int64
	Amount     decimal.Decimal
	Method     Method
}

// BatchResult reports one item's independent outcome.
type BatchResult struct {
	EmployeeID int64
	PayoutID   uuid.UUID
	Amount     decimal.Decimal
	Err        error
}

func (m Method) valid() bool {
	return m == MethodCash || m == MethodPayroll
}
