// Package adjustments covers after-the-fact corrections: chargeback
// reversals that unwind a whole allocation, and manual manager adjustments.
// Corrections never edit history; they post offsetting entries, and balances
// are allowed to go negative here.
package adjustments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

// ErrNothingToReverse indicates the transaction has no entries on file.
var ErrNothingToReverse = errors.New("adjustments: transaction has no entries to reverse")

// Adjustment is the durable record of one manual correction. It corresponds
// 1:1 with the ledger entry it produced and commits in the same transaction.
type Adjustment struct {
	ID         uuid.UUID
	EmployeeID int64
	EntryID    int64
	Direction  ledger.Direction
	Amount     decimal.Decimal
	Reason     string
	CreatedBy  int64
	CreatedAt  time.Time
}

// Tx exposes the mutations available inside an adjustment transaction. The
// ledger entry and the adjustment row commit or roll back together.
type Tx interface {
	Ledger() ledger.Tx
	InsertAdjustment(ctx context.Context, adj Adjustment) error
}

// Repository encapsulates adjustment persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Ledger is the posting surface reversals need.
type Ledger interface {
	PostBatch(ctx context.Context, ins []ledger.PostInput) ([]ledger.Entry, error)
	TransactionEntries(ctx context.Context, ref uuid.UUID) ([]ledger.Entry, error)
}

// Auditor records manager-invoked money actions.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventSink receives fire-and-forget broadcasts after commit.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any)
}

// AdjustInput describes one manual correction.
type AdjustInput struct {
	EmployeeID int64
	Direction  ledger.Direction
	Amount     decimal.Decimal
	Reason     string
	ActorID    int64
}

// Service applies reversals and manual adjustments.
type Service struct {
	repo   Repository
	ledger Ledger
	audit  Auditor
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the corrections service.
func NewService(repo Repository, lg Ledger, audit Auditor, events EventSink, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: lg, audit: audit, events: events, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ReversalID derives the deterministic reversal id for a transaction, so a
// redelivered chargeback converges on the same offsetting entries.
func ReversalID(transactionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("REV:"+transactionID.String()))
}

// ReverseTransaction unwinds every entry an allocation produced by posting
// the exact mirror set: credits become debits and debits become credits.
// Running it twice is a no-op. Already-spent money leaves the employee with
// a negative balance that later credits reclaim.
func (s *Service) ReverseTransaction(ctx context.Context, transactionID uuid.UUID, actorID int64, reason string) ([]ledger.Entry, error) {
	originals, err := s.ledger.TransactionEntries(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(originals) == 0 {
		return nil, ErrNothingToReverse
	}

	reversalID := ReversalID(transactionID)
	now := s.now()
	inputs := make([]ledger.PostInput, 0, len(originals))
	for _, e := range originals {
		inputs = append(inputs, ledger.PostInput{
			EmployeeID:     e.EmployeeID,
			Direction:      opposite(e.Direction),
			Amount:         e.Amount,
			SourceType:     ledger.SourceChargebackReversal,
			SourceRef:      reversalID,
			IdempotencyKey: "REV:" + e.IdempotencyKey,
			OccurredAt:     now,
		})
	}
	entries, err := s.ledger.PostBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if aerr := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "transaction.reverse",
			Entity:   "transaction",
			EntityID: transactionID.String(),
			Meta:     map[string]any{"reversal_id": reversalID.String(), "reason": reason, "entries": len(entries)},
			At:       now,
		}); aerr != nil {
			s.logger.Error("audit reversal", slog.Any("error", aerr), slog.String("transaction_id", transactionID.String()))
		}
	}
	if s.events != nil {
		s.events.Publish(ctx, "ledger.reversed", map[string]any{
			"transaction_id": transactionID.String(),
			"reversal_id":    reversalID.String(),
			"entries":        len(entries),
		})
	}
	return entries, nil
}

// Adjust posts one manual correction entry with a mandatory reason. The
// adjustment record commits in the same transaction as the entry, so the
// reason and creator are durable exactly when the money moves. Manual debits
// may drive the balance negative; that is the manager's call to make.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (ledger.Entry, error) {
	if in.Reason == "" {
		return ledger.Entry{}, errors.New("adjustments: reason required")
	}
	if in.ActorID == 0 {
		return ledger.Entry{}, errors.New("adjustments: actor id required")
	}
	adjustmentID := uuid.New()
	now := s.now()
	var entry ledger.Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		entries, err := ledger.PostBatchTx(ctx, tx.Ledger(), []ledger.PostInput{{
			EmployeeID:     in.EmployeeID,
			Direction:      in.Direction,
			Amount:         in.Amount,
			SourceType:     ledger.SourceAdjustment,
			SourceRef:      adjustmentID,
			IdempotencyKey: "ADJ:" + adjustmentID.String(),
			OccurredAt:     now,
		}})
		if err != nil {
			return err
		}
		entry = entries[0]
		return tx.InsertAdjustment(ctx, Adjustment{
			ID:         adjustmentID,
			EmployeeID: in.EmployeeID,
			EntryID:    entry.ID,
			Direction:  in.Direction,
			Amount:     in.Amount,
			Reason:     in.Reason,
			CreatedBy:  in.ActorID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	if s.audit != nil {
		if aerr := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "ledger.adjust",
			Entity:   "adjustment",
			EntityID: adjustmentID.String(),
			Meta: map[string]any{
				"employee_id": in.EmployeeID,
				"direction":   string(in.Direction),
				"amount":      in.Amount.StringFixed(2),
				"reason":      in.Reason,
			},
			At: now,
		}); aerr != nil {
			s.logger.Error("audit adjustment", slog.Any("error", aerr), slog.String("adjustment_id", adjustmentID.String()))
		}
	}
	if s.events != nil {
		s.events.Publish(ctx, "ledger.adjusted", map[string]any{
			"adjustment_id": adjustmentID.String(),
			"employee_id":   in.EmployeeID,
			"direction":     string(in.Direction),
			"amount":        in.Amount.StringFixed(2),
		})
	}
	return entry, nil
}

func opposite(d ledger.Direction) ledger.Direction {
	if d == ledger.DirectionCredit {
		return ledger.DirectionDebit
	}
	return ledger.DirectionCredit
}
