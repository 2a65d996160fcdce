package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/adjustments"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/allocation"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/groups"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
)

// PaymentCompleted is the inbound fact from the payment domain.
type PaymentCompleted struct {
	EventID   string          `json:"event_id"`
	OrderID   int64           `json:"order_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	TipAmount decimal.Decimal `json:"tip_amount"`
	PaidAt    time.Time       `json:"paid_at"`
	Shares    []OwnerShare    `json:"shares,omitempty"`
}

// OwnerShare mirrors the ownership split captured at order time.
type OwnerShare struct {
	EmployeeID  int64 `json:"employee_id"`
	BasisPoints int32 `json:"basis_points"`
}

// ShiftClosed is emitted when an employee clocks out.
type ShiftClosed struct {
	EventID    string    `json:"event_id"`
	EmployeeID int64     `json:"employee_id"`
	ClosedAt   time.Time `json:"closed_at"`
}

// ClockedIn is emitted when an employee starts a shift.
type ClockedIn struct {
	EventID    string    `json:"event_id"`
	EmployeeID int64     `json:"employee_id"`
	Role       string    `json:"role"`
	ClockedAt  time.Time `json:"clocked_at"`
}

// Chargeback is emitted when a processor claws a payment back. It carries
// only the payment id; the consumer resolves the allocation from it.
type Chargeback struct {
	EventID           string    `json:"event_id"`
	OriginalPaymentID uuid.UUID `json:"original_payment_id"`
	ReportedAt        time.Time `json:"reported_at"`
	Reason            string    `json:"reason,omitempty"`
}

// Allocator is the allocation pipeline surface.
type Allocator interface {
	Allocate(ctx context.Context, event allocation.PaymentEvent) (allocation.Result, error)
	TransactionByPayment(ctx context.Context, paymentID uuid.UUID) (allocation.Transaction, error)
}

// GroupEngine is the pool membership surface.
type GroupEngine interface {
	LeaveAll(ctx context.Context, employeeID int64, at time.Time) error
	JoinTemplateForRole(ctx context.Context, employeeID int64, role string, at time.Time) error
}

// Reverser unwinds allocations on chargeback.
type Reverser interface {
	ReverseTransaction(ctx context.Context, transactionID uuid.UUID, actorID int64, reason string) ([]ledger.Entry, error)
}

// DedupeStore tracks fully processed event keys.
type DedupeStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	CheckAndInsert(ctx context.Context, key, source string) error
}

// Consumer applies inbound POS events. Keys are marked processed only after
// the handler succeeds, so redelivery is the retry path for every fault;
// the handlers beneath are idempotent, which makes reprocessing safe.
type Consumer struct {
	dedupe    DedupeStore
	allocator Allocator
	groups    GroupEngine
	reverser  Reverser
	logger    *slog.Logger
}

// NewConsumer constructs the consumer.
func NewConsumer(dedupe DedupeStore, allocator Allocator, groups GroupEngine, reverser Reverser, logger *slog.Logger) *Consumer {
	return &Consumer{dedupe: dedupe, allocator: allocator, groups: groups, reverser: reverser, logger: logger}
}

// HandlePaymentCompleted allocates the payment's tip.
func (c *Consumer) HandlePaymentCompleted(ctx context.Context, event PaymentCompleted) error {
	return c.once(ctx, event.EventID, "payment.completed", func(ctx context.Context) error {
		in := allocation.PaymentEvent{
			OrderID:   event.OrderID,
			PaymentID: event.PaymentID,
			TipAmount: event.TipAmount,
			PaidAt:    event.PaidAt,
		}
		for _, sh := range event.Shares {
			in.Shares = append(in.Shares, ownership.Share{EmployeeID: sh.EmployeeID, BasisPoints: sh.BasisPoints})
		}
		result, err := c.allocator.Allocate(ctx, in)
		if err != nil {
			return err
		}
		if result.Duplicate {
			c.logger.Info("payment already allocated", slog.Int64("order_id", event.OrderID), slog.String("payment_id", event.PaymentID.String()))
		}
		return nil
	})
}

// HandleShiftClosed removes the employee from every pool they are in.
func (c *Consumer) HandleShiftClosed(ctx context.Context, event ShiftClosed) error {
	return c.once(ctx, event.EventID, "shift.closed", func(ctx context.Context) error {
		return c.groups.LeaveAll(ctx, event.EmployeeID, event.ClosedAt)
	})
}

// HandleClockedIn auto-joins the employee to their role's template pool, if
// one is configured.
func (c *Consumer) HandleClockedIn(ctx context.Context, event ClockedIn) error {
	return c.once(ctx, event.EventID, "shift.clocked_in", func(ctx context.Context) error {
		err := c.groups.JoinTemplateForRole(ctx, event.EmployeeID, event.Role, event.ClockedAt)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if errors.Is(err, groups.ErrAlreadyMember) {
			// Redelivery after a crash between the join and the key write.
			return nil
		}
		return err
	})
}

// HandleChargeback reverses the allocation of the charged-back payment,
// carrying the processor's reason into the reversal audit trail.
func (c *Consumer) HandleChargeback(ctx context.Context, event Chargeback) error {
	return c.once(ctx, event.EventID, "payment.chargeback", func(ctx context.Context) error {
		txn, err := c.allocator.TransactionByPayment(ctx, event.OriginalPaymentID)
		if errors.Is(err, shared.ErrNotFound) {
			// Chargeback on a payment that never allocated: nothing to unwind.
			c.logger.Warn("chargeback with no allocation", slog.String("payment_id", event.OriginalPaymentID.String()))
			return nil
		}
		if err != nil {
			return err
		}
		reason := event.Reason
		if reason == "" {
			reason = fmt.Sprintf("chargeback reported at %s", event.ReportedAt.Format(time.RFC3339))
		}
		_, err = c.reverser.ReverseTransaction(ctx, txn.ID, 0, reason)
		if errors.Is(err, adjustments.ErrNothingToReverse) {
			// Transaction row exists but its entries never landed.
			c.logger.Warn("chargeback with no entries", slog.String("payment_id", event.OriginalPaymentID.String()))
			return nil
		}
		return err
	})
}

// once runs fn for an unprocessed event key and marks the key only after fn
// succeeds. A crash or failure before the mark leaves the key absent, so the
// broker's redelivery runs fn again; a tip can be processed twice (and
// deduped by the ledger) but never dropped.
func (c *Consumer) once(ctx context.Context, eventID, source string, fn func(context.Context) error) error {
	if eventID == "" {
		return errors.New("events: event id required")
	}
	seen, err := c.dedupe.Seen(ctx, eventID)
	if err != nil {
		return err
	}
	if seen {
		c.logger.Info("duplicate event delivery", slog.String("event_id", eventID), slog.String("source", source))
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := c.dedupe.CheckAndInsert(ctx, eventID, source); err != nil && !errors.Is(err, shared.ErrEventAlreadyProcessed) {
		return err
	}
	return nil
}
