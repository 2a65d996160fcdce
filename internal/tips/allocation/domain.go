// Package allocation turns completed-payment events into ledger entries. It
// resolves ownership, applies pool segments and role tip-outs, reclaims debt,
// and posts the whole entry set atomically through the ledger core.
package allocation

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
)

// PaymentEvent is the fact consumed from the payment domain. The engine
// never talks to the capture protocol itself.
type PaymentEvent struct {
	OrderID   int64
	PaymentID uuid.UUID
	TipAmount decimal.Decimal
	PaidAt    time.Time
	// Shares optionally carries the ownership split captured at order time.
	Shares []ownership.Share
}

// Transaction links one payment event to the entries it produced.
// (orderID, paymentID) is the idempotency boundary: one payment produces
// exactly one transaction, ever.
type Transaction struct {
	ID        uuid.UUID
	OrderID   int64
	PaymentID uuid.UUID
	TipAmount decimal.Decimal
	PaidAt    time.Time
	CreatedAt time.Time
}

// Result reports what an allocation produced.
type Result struct {
	Transaction Transaction
	Entries     []ledger.Entry
	Violations  []compliance.Violation
	Duplicate   bool
}

// TipOutRule is an automatic fixed-percentage transfer from a tipped role to
// a support role, computed on the post-split amount.
type TipOutRule struct {
	FromRole string
	ToRole   string
	Bps      int32
}

// Settings is the immutable per-request configuration snapshot. It is
// resolved from persisted settings once per allocation and injected; the
// engine never reads ambient global state.
type Settings struct {
	PoolingEnabled        bool
	TipOutRules           []TipOutRule
	TipOutCapBps          int32
	CashDeclarationMinBps int32
}

// SettingsSource resolves the current settings snapshot.
type SettingsSource interface {
	Resolve(ctx context.Context) (Settings, error)
}

// StaticSettings is a fixed SettingsSource, used by tests and tools.
type StaticSettings struct {
	Settings Settings
}

// Resolve returns the fixed snapshot.
func (s StaticSettings) Resolve(ctx context.Context) (Settings, error) {
	return s.Settings, nil
}

// TransactionID derives the deterministic transaction id for a payment, so
// retried deliveries always converge on the same idempotency keys.
func TransactionID(orderID int64, paymentID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("TIP:"+strconv.FormatInt(orderID, 10)+":"+paymentID.String()))
}
