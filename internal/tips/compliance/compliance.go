// Package compliance holds the pure rule checks run during allocation and
// payout. Violations flag for manager review; they never block money
// movement.
package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Violation codes.
const (
	CodeTipOutCapExceeded    = "TIP_OUT_CAP_EXCEEDED"
	CodeCashDeclarationShort = "CASH_DECLARATION_SHORT"
	CodeNoSegmentFallback    = "NO_SEGMENT_FALLBACK"
	CodeTipOutNoRecipient    = "TIP_OUT_NO_RECIPIENT"
	CodeDebtReclaimed        = "DEBT_RECLAIMED"
)

// Violation describes one flagged rule breach for audit and review queues.
type Violation struct {
	Code       string
	EmployeeID int64
	Detail     string
	SourceRef  uuid.UUID
	OccurredAt time.Time
}

// CheckTipOutCap verifies a role-to-role tip-out stays under the configured
// percentage ceiling of the earned base. Returns nil when compliant.
func CheckTipOutCap(fromRole, toRole string, base, amount decimal.Decimal, capBps int32) *Violation {
	if capBps <= 0 || !base.IsPositive() {
		return nil
	}
	limit := base.Mul(decimal.NewFromInt32(capBps)).Div(decimal.NewFromInt(10000))
	if amount.LessThanOrEqual(limit) {
		return nil
	}
	return &Violation{
		Code:   CodeTipOutCapExceeded,
		Detail: fmt.Sprintf("tip-out %s from %s to %s exceeds cap of %d bps on base %s", amount.StringFixed(2), fromRole, toRole, capBps, base.StringFixed(2)),
	}
}

// CheckCashDeclaration verifies declared cash tips meet the configured
// minimum percentage of sales. Returns nil when compliant or when the rule
// is not configured.
func CheckCashDeclaration(employeeID int64, declared, sales decimal.Decimal, minBps int32) *Violation {
	if minBps <= 0 || !sales.IsPositive() {
		return nil
	}
	floor := sales.Mul(decimal.NewFromInt32(minBps)).Div(decimal.NewFromInt(10000))
	if declared.GreaterThanOrEqual(floor) {
		return nil
	}
	return &Violation{
		Code:       CodeCashDeclarationShort,
		EmployeeID: employeeID,
		Detail:     fmt.Sprintf("declared cash %s below %d bps of sales %s", declared.StringFixed(2), minBps, sales.StringFixed(2)),
	}
}

// CashDeclaration is the per-shift declared cash tip record, consumed
// read-only by the nightly scan. The declaration workflow itself lives in
// the shift domain.
type CashDeclaration struct {
	EmployeeID int64
	ShiftID    int64
	Declared   decimal.Decimal
	Sales      decimal.Decimal
	Day        time.Time
}
