package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/observability"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/groups"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
)

// ErrConservation is an internal bug guard: the built entry set must net to
// exactly the tip amount before it is posted.
var ErrConservation = errors.New("allocation: entry set does not conserve the tip amount")

// Repository persists transactions.
type Repository interface {
	CreateTransaction(ctx context.Context, tx Transaction) (bool, error)
	GetTransaction(ctx context.Context, orderID int64, paymentID uuid.UUID) (Transaction, error)
	GetTransactionByPayment(ctx context.Context, paymentID uuid.UUID) (Transaction, error)
}

// Ledger is the posting surface the pipeline needs from the ledger core.
type Ledger interface {
	PostBatch(ctx context.Context, ins []ledger.PostInput) ([]ledger.Entry, error)
	TransactionEntries(ctx context.Context, ref uuid.UUID) ([]ledger.Entry, error)
	Balance(ctx context.Context, employeeID int64) (decimal.Decimal, error)
}

// GroupEngine resolves pooling segments.
type GroupEngine interface {
	SegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (groups.Segment, error)
	HasActiveMembership(ctx context.Context, employeeID int64) (bool, error)
}

// OwnershipResolver resolves and records order tip shares.
type OwnershipResolver interface {
	Resolve(ctx context.Context, orderID int64, paymentTime time.Time) ([]ownership.Share, error)
	Record(ctx context.Context, orderID int64, shares []ownership.Share) error
}

// RoleDirectory is the read-only staff boundary.
type RoleDirectory interface {
	RoleOf(ctx context.Context, employeeID int64) (string, error)
	OnShift(ctx context.Context, role string, at time.Time) ([]int64, error)
}

// FlagSink persists compliance violations for the review queue.
type FlagSink interface {
	Insert(ctx context.Context, violations []compliance.Violation) error
}

// EventSink receives fire-and-forget broadcasts after a successful commit.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any)
}

// Service is the allocation pipeline.
type Service struct {
	repo      Repository
	ledger    Ledger
	groups    GroupEngine
	ownership OwnershipResolver
	staff     RoleDirectory
	settings  SettingsSource
	flags     FlagSink
	events    EventSink
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewService constructs the pipeline.
func NewService(repo Repository, lg Ledger, grp GroupEngine, own OwnershipResolver, staff RoleDirectory, settings SettingsSource, flags FlagSink, events EventSink, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		ledger:    lg,
		groups:    grp,
		ownership: own,
		staff:     staff,
		settings:  settings,
		flags:     flags,
		events:    events,
		metrics:   metrics,
		logger:    logger,
	}
}

// Allocate processes one completed payment. Safe to call any number of times
// with the same (orderID, paymentID): the first call posts the entry set,
// every later call returns it unchanged.
func (s *Service) Allocate(ctx context.Context, event PaymentEvent) (Result, error) {
	if event.OrderID == 0 || event.PaymentID == uuid.Nil {
		return Result{}, errors.New("allocation: order id and payment id required")
	}
	if event.PaidAt.IsZero() {
		return Result{}, errors.New("allocation: paid-at timestamp required")
	}
	if event.TipAmount.IsZero() {
		// Tipless payments move no money.
		return Result{}, nil
	}
	if event.TipAmount.IsNegative() || !shared.IsCentPrecise(event.TipAmount) {
		return Result{}, ledger.ErrInvalidAmount
	}

	if len(event.Shares) > 0 {
		if err := s.ownership.Record(ctx, event.OrderID, event.Shares); err != nil {
			return Result{}, err
		}
	}

	txID := TransactionID(event.OrderID, event.PaymentID)
	txn := Transaction{
		ID:        txID,
		OrderID:   event.OrderID,
		PaymentID: event.PaymentID,
		TipAmount: event.TipAmount,
		PaidAt:    event.PaidAt,
	}
	inserted, err := s.repo.CreateTransaction(ctx, txn)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		existing, err := s.ledger.TransactionEntries(ctx, txID)
		if err != nil {
			return Result{}, err
		}
		if len(existing) > 0 {
			stored, err := s.repo.GetTransaction(ctx, event.OrderID, event.PaymentID)
			if err != nil {
				return Result{}, err
			}
			s.count("duplicate")
			return Result{Transaction: stored, Entries: existing, Duplicate: true}, nil
		}
		// The transaction row exists but its entries never landed: a crashed
		// attempt. Entry idempotency keys are deterministic, resume posting.
	}

	settings, err := s.settings.Resolve(ctx)
	if err != nil {
		return Result{}, err
	}
	shares := event.Shares
	if len(shares) == 0 {
		shares, err = s.ownership.Resolve(ctx, event.OrderID, event.PaidAt)
		if err != nil {
			return Result{}, err
		}
	}
	if err := ownership.Validate(shares); err != nil {
		return Result{}, err
	}

	credits := newAccumulator()
	debits := newAccumulator()
	var violations []compliance.Violation

	violations, err = s.creditOwners(ctx, event, settings, shares, credits, violations, txID)
	if err != nil {
		return Result{}, err
	}
	violations, err = s.applyTipOuts(ctx, event, settings, credits, debits, violations, txID)
	if err != nil {
		return Result{}, err
	}
	violations, err = s.reclaimDebt(ctx, event, credits, violations, txID)
	if err != nil {
		return Result{}, err
	}

	inputs := buildInputs(txID, event.PaidAt, credits, debits)
	if err := checkConservation(event.TipAmount, inputs); err != nil {
		if s.metrics != nil {
			s.metrics.ConservationBreaks.Inc()
		}
		return Result{}, err
	}

	entries, err := s.ledger.PostBatch(ctx, inputs)
	if err != nil {
		s.count("error")
		return Result{}, err
	}

	if len(violations) > 0 && s.flags != nil {
		if err := s.flags.Insert(ctx, violations); err != nil {
			// Flags are soft; the money already moved.
			s.logger.Error("persist compliance flags", slog.Any("error", err), slog.String("transaction_id", txID.String()))
		}
		if s.metrics != nil {
			for _, v := range violations {
				s.metrics.ComplianceFlags.WithLabelValues(v.Code).Inc()
			}
		}
	}
	if s.events != nil {
		s.events.Publish(ctx, "ledger.allocated", map[string]any{
			"transaction_id": txID.String(),
			"order_id":       event.OrderID,
			"payment_id":     event.PaymentID.String(),
			"tip_amount":     event.TipAmount.StringFixed(2),
			"entries":        len(entries),
		})
	}
	s.count("ok")
	return Result{Transaction: txn, Entries: entries, Violations: violations}, nil
}

// TransactionByPayment resolves the allocation a payment produced. Chargeback
// events carry only the payment id, so this is the lookup they pivot on.
func (s *Service) TransactionByPayment(ctx context.Context, paymentID uuid.UUID) (Transaction, error) {
	if paymentID == uuid.Nil {
		return Transaction{}, errors.New("allocation: payment id required")
	}
	return s.repo.GetTransactionByPayment(ctx, paymentID)
}

// creditOwners splits the tip across owners, then across pool segment
// members where the owner was pooled at payment time.
func (s *Service) creditOwners(ctx context.Context, event PaymentEvent, settings Settings, shares []ownership.Share, credits *accumulator, violations []compliance.Violation, txID uuid.UUID) ([]compliance.Violation, error) {
	weights := make([]int64, len(shares))
	for i, sh := range shares {
		weights[i] = int64(sh.BasisPoints)
	}
	// Residual cents from rounding go to the primary (first) owner.
	ownerAmounts, err := shared.SplitByWeights(event.TipAmount, weights, 0)
	if err != nil {
		return violations, err
	}
	for i, sh := range shares {
		amount := ownerAmounts[i]
		if !amount.IsPositive() {
			continue
		}
		if !settings.PoolingEnabled {
			credits.add(sh.EmployeeID, ledger.SourceDirectTip, amount)
			continue
		}
		seg, err := s.groups.SegmentForEmployee(ctx, sh.EmployeeID, event.PaidAt)
		if errors.Is(err, groups.ErrNoSegmentFound) {
			pooled, perr := s.groups.HasActiveMembership(ctx, sh.EmployeeID)
			if perr != nil {
				return violations, perr
			}
			if pooled {
				// Member of a pool with no segment covering the payment
				// time: degraded path, credit direct and surface for review.
				violations = append(violations, compliance.Violation{
					Code:       compliance.CodeNoSegmentFallback,
					EmployeeID: sh.EmployeeID,
					Detail:     fmt.Sprintf("no pool segment covered order %d at %s; credited directly", event.OrderID, event.PaidAt.Format(time.RFC3339)),
					SourceRef:  txID,
					OccurredAt: event.PaidAt,
				})
			}
			credits.add(sh.EmployeeID, ledger.SourceDirectTip, amount)
			continue
		}
		if err != nil {
			return violations, err
		}
		memberWeights := make([]int64, len(seg.Members))
		residualIdx := 0
		for j, m := range seg.Members {
			memberWeights[j] = m.Weight
			if m.EmployeeID == sh.EmployeeID {
				residualIdx = j
			}
		}
		splits, err := shared.SplitByWeights(amount, memberWeights, residualIdx)
		if err != nil {
			return violations, err
		}
		for j, m := range seg.Members {
			if splits[j].IsPositive() {
				credits.add(m.EmployeeID, ledger.SourcePoolShare, splits[j])
			}
		}
	}
	return violations, nil
}

// applyTipOuts posts role-based transfers on the post-split amounts. Rule
// breaches flag for review; money still moves.
func (s *Service) applyTipOuts(ctx context.Context, event PaymentEvent, settings Settings, credits, debits *accumulator, violations []compliance.Violation, txID uuid.UUID) ([]compliance.Violation, error) {
	if len(settings.TipOutRules) == 0 {
		return violations, nil
	}
	for _, key := range credits.keys() {
		base := credits.amount(key)
		role, err := s.staff.RoleOf(ctx, key.employeeID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return violations, err
		}
		for _, rule := range settings.TipOutRules {
			if rule.FromRole != role || rule.Bps <= 0 {
				continue
			}
			out := shared.ApplyBasisPoints(base, rule.Bps)
			if !out.IsPositive() {
				continue
			}
			onShift, err := s.staff.OnShift(ctx, rule.ToRole, event.PaidAt)
			if err != nil {
				return violations, err
			}
			recipients := onShift[:0:0]
			for _, id := range onShift {
				if id != key.employeeID {
					recipients = append(recipients, id)
				}
			}
			if len(recipients) == 0 {
				violations = append(violations, compliance.Violation{
					Code:       compliance.CodeTipOutNoRecipient,
					EmployeeID: key.employeeID,
					Detail:     fmt.Sprintf("tip-out rule %s->%s had no recipient on shift", rule.FromRole, rule.ToRole),
					SourceRef:  txID,
					OccurredAt: event.PaidAt,
				})
				continue
			}
			if v := compliance.CheckTipOutCap(role, rule.ToRole, base, out, settings.TipOutCapBps); v != nil {
				v.EmployeeID = key.employeeID
				v.SourceRef = txID
				v.OccurredAt = event.PaidAt
				violations = append(violations, *v)
			}
			ones := make([]int64, len(recipients))
			for i := range ones {
				ones[i] = 1
			}
			splits, err := shared.SplitByWeights(out, ones, 0)
			if err != nil {
				return violations, err
			}
			debits.add(key.employeeID, ledger.SourceTipOut, out)
			for i, id := range recipients {
				if splits[i].IsPositive() {
					credits.add(id, ledger.SourceTipOut, splits[i])
				}
			}
		}
	}
	return violations, nil
}

// reclaimDebt carves DEBT_RECLAIM credits out of incoming credits for any
// recipient whose balance is negative, so clawed-back money is repaid before
// new net tips accrue.
func (s *Service) reclaimDebt(ctx context.Context, event PaymentEvent, credits *accumulator, violations []compliance.Violation, txID uuid.UUID) ([]compliance.Violation, error) {
	for _, employeeID := range credits.employees() {
		balance, err := s.ledger.Balance(ctx, employeeID)
		if err != nil {
			return violations, err
		}
		if !balance.IsNegative() {
			continue
		}
		debt := balance.Neg()
		reclaimed := credits.carve(employeeID, ledger.SourceDebtReclaim, debt)
		if reclaimed.IsPositive() {
			violations = append(violations, compliance.Violation{
				Code:       compliance.CodeDebtReclaimed,
				EmployeeID: employeeID,
				Detail:     fmt.Sprintf("reclaimed %s of %s outstanding debt from incoming credits", reclaimed.StringFixed(2), debt.StringFixed(2)),
				SourceRef:  txID,
				OccurredAt: event.PaidAt,
			})
		}
	}
	return violations, nil
}

func buildInputs(txID uuid.UUID, paidAt time.Time, credits, debits *accumulator) []ledger.PostInput {
	var inputs []ledger.PostInput
	for _, key := range debits.keys() {
		inputs = append(inputs, ledger.PostInput{
			EmployeeID:     key.employeeID,
			Direction:      ledger.DirectionDebit,
			Amount:         debits.amount(key),
			SourceType:     key.source,
			SourceRef:      txID,
			IdempotencyKey: idemKey(txID, key.employeeID, key.source, ledger.DirectionDebit),
			OccurredAt:     paidAt,
		})
	}
	for _, key := range credits.keys() {
		inputs = append(inputs, ledger.PostInput{
			EmployeeID:     key.employeeID,
			Direction:      ledger.DirectionCredit,
			Amount:         credits.amount(key),
			SourceType:     key.source,
			SourceRef:      txID,
			IdempotencyKey: idemKey(txID, key.employeeID, key.source, ledger.DirectionCredit),
			OccurredAt:     paidAt,
		})
	}
	return inputs
}

func checkConservation(tip decimal.Decimal, inputs []ledger.PostInput) error {
	net := decimal.Zero
	for _, in := range inputs {
		if in.Direction == ledger.DirectionCredit {
			net = net.Add(in.Amount)
		} else {
			net = net.Sub(in.Amount)
		}
	}
	if !net.Equal(tip) {
		return fmt.Errorf("%w: net %s, tip %s", ErrConservation, net.StringFixed(2), tip.StringFixed(2))
	}
	return nil
}

func idemKey(txID uuid.UUID, employeeID int64, source ledger.SourceType, dir ledger.Direction) string {
	return fmt.Sprintf("%s:%d:%s:%s", txID, employeeID, source, dir)
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.AllocationsTotal.WithLabelValues(outcome).Inc()
	}
}

// accumulator aggregates amounts per (employee, source type) preserving
// insertion order, so one employee receiving pool shares from two owners
// still yields a single entry and a single idempotency key.
type accumulator struct {
	order   []entryKey
	amounts map[entryKey]decimal.Decimal
}

type entryKey struct {
	employeeID int64
	source     ledger.SourceType
}

func newAccumulator() *accumulator {
	return &accumulator{amounts: make(map[entryKey]decimal.Decimal)}
}

func (a *accumulator) add(employeeID int64, source ledger.SourceType, amount decimal.Decimal) {
	key := entryKey{employeeID: employeeID, source: source}
	if _, ok := a.amounts[key]; !ok {
		a.order = append(a.order, key)
	}
	a.amounts[key] = a.amounts[key].Add(amount)
}

func (a *accumulator) keys() []entryKey {
	out := make([]entryKey, len(a.order))
	copy(out, a.order)
	return out
}

func (a *accumulator) amount(key entryKey) decimal.Decimal {
	return a.amounts[key]
}

func (a *accumulator) employees() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, key := range a.order {
		if _, ok := seen[key.employeeID]; ok {
			continue
		}
		seen[key.employeeID] = struct{}{}
		out = append(out, key.employeeID)
	}
	return out
}

// carve moves up to limit from the employee's existing credits into a credit
// of the given source type, in insertion order. Returns the amount moved.
func (a *accumulator) carve(employeeID int64, source ledger.SourceType, limit decimal.Decimal) decimal.Decimal {
	moved := decimal.Zero
	for _, key := range a.keys() {
		if key.employeeID != employeeID || key.source == source {
			continue
		}
		remaining := limit.Sub(moved)
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(a.amounts[key], remaining)
		if !take.IsPositive() {
			continue
		}
		a.amounts[key] = a.amounts[key].Sub(take)
		moved = moved.Add(take)
	}
	if moved.IsPositive() {
		a.add(employeeID, source, moved)
	}
	// Drop zeroed keys.
	if moved.IsPositive() {
		var order []entryKey
		for _, key := range a.order {
			if a.amounts[key].IsZero() && key.employeeID == employeeID && key.source != source {
				delete(a.amounts, key)
				continue
			}
			order = append(order, key)
		}
		a.order = order
	}
	return moved
}
