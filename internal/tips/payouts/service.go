package payouts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/copperleaf-pos/copperleaf-pos/internal/observability"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

// Tx exposes the mutations available inside a payout transaction. The ledger
// debit and the payout row commit or roll back together.
type Tx interface {
	Ledger() ledger.Tx
	InsertPayout(ctx context.Context, p Payout) error
}

// Repository encapsulates payout persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (Payout, error)
	List(ctx context.Context, employeeID int64, limit, offset int) ([]Payout, int, error)
}

// Auditor records manager-invoked money actions.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventSink receives fire-and-forget broadcasts after commit.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any)
}

// CreateInput describes one payout request.
type CreateInput struct {
	EmployeeID  int64
	Amount      decimal.Decimal
	Method      Method
	RequestedBy int64
}

// Service is the payout processor.
type Service struct {
	repo        Repository
	audit       Auditor
	events      EventSink
	metrics     *observability.Metrics
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewService constructs the processor. Concurrency bounds parallel batch
// items; values below one fall back to serial execution.
func NewService(repo Repository, audit Auditor, events EventSink, metrics *observability.Metrics, logger *slog.Logger, concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create disburses from one employee's ledger. A zero amount cashes out the
// full balance. The debit is guarded: requesting more than the balance fails
// with ledger.ErrInsufficientBalance and nothing is written.
func (s *Service) Create(ctx context.Context, in CreateInput) (Payout, error) {
	if in.EmployeeID == 0 {
		return Payout{}, errors.New("payouts: employee id required")
	}
	if !in.Method.valid() {
		return Payout{}, ErrInvalidMethod
	}
	if in.Amount.IsNegative() || !shared.IsCentPrecise(in.Amount) {
		return Payout{}, ledger.ErrInvalidAmount
	}

	payout := Payout{
		ID:          uuid.New(),
		EmployeeID:  in.EmployeeID,
		Method:      in.Method,
		Status:      StatusCompleted,
		RequestedBy: in.RequestedBy,
		CreatedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		lg := tx.Ledger()
		amount := in.Amount
		if amount.IsZero() {
			if err := lg.EnsureLedger(ctx, in.EmployeeID); err != nil {
				return err
			}
			balance, err := lg.BalanceForUpdate(ctx, in.EmployeeID)
			if err != nil {
				return err
			}
			if !balance.IsPositive() {
				return ledger.ErrInsufficientBalance
			}
			amount = balance
		}
		payout.Amount = amount
		if _, err := ledger.WithdrawTx(ctx, lg, ledger.PostInput{
			EmployeeID:     in.EmployeeID,
			Direction:      ledger.DirectionDebit,
			Amount:         amount,
			SourceType:     ledger.SourcePayout,
			SourceRef:      payout.ID,
			IdempotencyKey: "PAYOUT:" + payout.ID.String(),
			OccurredAt:     payout.CreatedAt,
		}); err != nil {
			return err
		}
		return tx.InsertPayout(ctx, payout)
	})
	if err != nil {
		s.count(in.Method, "error")
		return Payout{}, err
	}

	if s.audit != nil {
		if aerr := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.RequestedBy,
			Action:   "payout.create",
			Entity:   "payout",
			EntityID: payout.ID.String(),
			Meta: map[string]any{
				"employee_id": payout.EmployeeID,
				"amount":      payout.Amount.StringFixed(2),
				"method":      string(payout.Method),
			},
			At: payout.CreatedAt,
		}); aerr != nil {
			s.logger.Error("audit payout", slog.Any("error", aerr), slog.String("payout_id", payout.ID.String()))
		}
	}
	if s.events != nil {
		s.events.Publish(ctx, "ledger.payout", map[string]any{
			"payout_id":   payout.ID.String(),
			"employee_id": payout.EmployeeID,
			"amount":      payout.Amount.StringFixed(2),
			"method":      string(payout.Method),
		})
	}
	s.count(in.Method, "ok")
	return payout, nil
}

// Batch runs one payout per item with bounded concurrency. Items are
// independent: one failed disbursement never rolls back or blocks the rest.
func (s *Service) Batch(ctx context.Context, items []BatchItem, requestedBy int64) []BatchResult {
	results := make([]BatchResult, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, item := range items {
		g.Go(func() error {
			payout, err := s.Create(ctx, CreateInput{
				EmployeeID:  item.EmployeeID,
				Amount:      item.Amount,
				Method:      item.Method,
				RequestedBy: requestedBy,
			})
			results[i] = BatchResult{
				EmployeeID: item.EmployeeID,
				PayoutID:   payout.ID,
				Amount:     payout.Amount,
				Err:        err,
			}
			// Outcomes are reported per item, never as a group error.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Get returns one payout.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Payout, error) {
	return s.repo.Get(ctx, id)
}

// List returns an employee's payouts, newest first.
func (s *Service) List(ctx context.Context, employeeID int64, page, perPage int) ([]Payout, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	payouts, total, err := s.repo.List(ctx, employeeID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return payouts, shared.NewPagination(page, perPage, total), nil
}

func (s *Service) count(method Method, outcome string) {
	if s.metrics != nil {
		s.metrics.PayoutsTotal.WithLabelValues(string(method), outcome).Inc()
	}
}
