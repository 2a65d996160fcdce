package allocation_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/allocation"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/groups"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger/ledgertest"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
)

var paidAt = time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeRepo struct {
	transactions map[uuid.UUID]allocation.Transaction
}

func (r *fakeRepo) CreateTransaction(ctx context.Context, tx allocation.Transaction) (bool, error) {
	if _, ok := r.transactions[tx.ID]; ok {
		return false, nil
	}
	tx.CreatedAt = time.Now()
	r.transactions[tx.ID] = tx
	return true, nil
}

func (r *fakeRepo) GetTransaction(ctx context.Context, orderID int64, paymentID uuid.UUID) (allocation.Transaction, error) {
	tx, ok := r.transactions[allocation.TransactionID(orderID, paymentID)]
	if !ok {
		return allocation.Transaction{}, shared.ErrNotFound
	}
	return tx, nil
}

func (r *fakeRepo) GetTransactionByPayment(ctx context.Context, paymentID uuid.UUID) (allocation.Transaction, error) {
	for _, tx := range r.transactions {
		if tx.PaymentID == paymentID {
			return tx, nil
		}
	}
	return allocation.Transaction{}, shared.ErrNotFound
}

type fakeGroups struct {
	segments map[int64]groups.Segment
	active   map[int64]bool
}

func (g *fakeGroups) SegmentForEmployee(ctx context.Context, employeeID int64, at time.Time) (groups.Segment, error) {
	seg, ok := g.segments[employeeID]
	if !ok || !seg.Covers(at) {
		return groups.Segment{}, groups.ErrNoSegmentFound
	}
	return seg, nil
}

func (g *fakeGroups) HasActiveMembership(ctx context.Context, employeeID int64) (bool, error) {
	return g.active[employeeID], nil
}

type fakeOwnership struct {
	shares   map[int64][]ownership.Share
	recorded map[int64][]ownership.Share
}

func (o *fakeOwnership) Resolve(ctx context.Context, orderID int64, paymentTime time.Time) ([]ownership.Share, error) {
	shares, ok := o.shares[orderID]
	if !ok {
		return nil, ownership.ErrUnknownOrder
	}
	return shares, nil
}

func (o *fakeOwnership) Record(ctx context.Context, orderID int64, shares []ownership.Share) error {
	if _, ok := o.recorded[orderID]; ok {
		return nil
	}
	o.recorded[orderID] = shares
	o.shares[orderID] = shares
	return nil
}

type fakeStaff struct {
	roles   map[int64]string
	onShift map[string][]int64
}

func (s *fakeStaff) RoleOf(ctx context.Context, employeeID int64) (string, error) {
	role, ok := s.roles[employeeID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return role, nil
}

func (s *fakeStaff) OnShift(ctx context.Context, role string, at time.Time) ([]int64, error) {
	return s.onShift[role], nil
}

type fakeFlags struct {
	violations []compliance.Violation
}

func (f *fakeFlags) Insert(ctx context.Context, violations []compliance.Violation) error {
	f.violations = append(f.violations, violations...)
	return nil
}

type fixture struct {
	repo   *fakeRepo
	store  *ledgertest.Store
	ledger *ledger.Service
	groups *fakeGroups
	own    *fakeOwnership
	staff  *fakeStaff
	flags  *fakeFlags
	svc    *allocation.Service
}

func newFixture(settings allocation.Settings) *fixture {
	fx := &fixture{
		repo:   &fakeRepo{transactions: make(map[uuid.UUID]allocation.Transaction)},
		store:  ledgertest.NewStore(),
		groups: &fakeGroups{segments: make(map[int64]groups.Segment), active: make(map[int64]bool)},
		own:    &fakeOwnership{shares: make(map[int64][]ownership.Share), recorded: make(map[int64][]ownership.Share)},
		staff:  &fakeStaff{roles: make(map[int64]string), onShift: make(map[string][]int64)},
		flags:  &fakeFlags{},
	}
	fx.ledger = ledger.NewService(fx.store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fx.svc = allocation.NewService(fx.repo, fx.ledger, fx.groups, fx.own, fx.staff,
		allocation.StaticSettings{Settings: settings}, fx.flags, nil, nil, logger)
	return fx
}

func (fx *fixture) requireBalance(t *testing.T, employeeID int64, want string) {
	t.Helper()
	balance, err := fx.store.Balance(context.Background(), employeeID)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec(want)), "employee %d: balance %s, want %s", employeeID, balance, want)
}

func event(orderID int64, tip string) allocation.PaymentEvent {
	return allocation.PaymentEvent{
		OrderID:   orderID,
		PaymentID: uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("payment:%d", orderID))),
		TipAmount: dec(tip),
		PaidAt:    paidAt,
	}
}

func soleOwner(fx *fixture, orderID, employeeID int64) {
	fx.own.shares[orderID] = []ownership.Share{{EmployeeID: employeeID, BasisPoints: 10000}}
}

func openSegment(groupID int64, members ...groups.SegmentMember) groups.Segment {
	return groups.Segment{
		ID:        groupID,
		GroupID:   groupID,
		StartedAt: paidAt.Add(-time.Hour),
		Members:   members,
	}
}

func TestAllocateUnpooledOwnerGetsFullTip(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 100, 1)

	res, err := fx.svc.Allocate(context.Background(), event(100, "18.50"))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Len(t, res.Entries, 1)
	require.Equal(t, ledger.SourceDirectTip, res.Entries[0].SourceType)
	fx.requireBalance(t, 1, "18.50")
	require.Empty(t, fx.flags.violations, "an unpooled owner is the normal path, not a fallback")
}

func TestAllocatePoolSplitConservesTotal(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 101, 1)
	seg := openSegment(7,
		groups.SegmentMember{EmployeeID: 1, Weight: 1},
		groups.SegmentMember{EmployeeID: 2, Weight: 1},
		groups.SegmentMember{EmployeeID: 3, Weight: 1},
	)
	for _, id := range []int64{1, 2, 3} {
		fx.groups.segments[id] = seg
		fx.groups.active[id] = true
	}

	res, err := fx.svc.Allocate(context.Background(), event(101, "10.00"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	// The residual cent lands with the earning owner.
	fx.requireBalance(t, 1, "3.34")
	fx.requireBalance(t, 2, "3.33")
	fx.requireBalance(t, 3, "3.33")
	for _, e := range res.Entries {
		require.Equal(t, ledger.SourcePoolShare, e.SourceType)
	}
}

func TestAllocateDuplicateReturnsSameEntries(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 102, 1)
	ctx := context.Background()

	first, err := fx.svc.Allocate(ctx, event(102, "12.00"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := fx.svc.Allocate(ctx, event(102, "12.00"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Len(t, second.Entries, len(first.Entries))
	require.Equal(t, first.Entries[0].IdempotencyKey, second.Entries[0].IdempotencyKey)

	fx.requireBalance(t, 1, "12.00")
	require.Len(t, fx.store.AllEntries(), 1, "a redelivered payment must not post again")
}

func TestAllocateResumesAfterCrashedAttempt(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 103, 1)
	ctx := context.Background()

	// Simulate a crash between the transaction insert and the entry batch.
	ev := event(103, "9.00")
	_, err := fx.repo.CreateTransaction(ctx, allocation.Transaction{
		ID:        allocation.TransactionID(ev.OrderID, ev.PaymentID),
		OrderID:   ev.OrderID,
		PaymentID: ev.PaymentID,
		TipAmount: ev.TipAmount,
		PaidAt:    ev.PaidAt,
	})
	require.NoError(t, err)

	res, err := fx.svc.Allocate(ctx, ev)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Len(t, res.Entries, 1)
	fx.requireBalance(t, 1, "9.00")
}

func TestAllocateRecordsEventShares(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	ev := event(104, "10.00")
	ev.Shares = []ownership.Share{
		{EmployeeID: 1, BasisPoints: 6000},
		{EmployeeID: 2, BasisPoints: 4000},
	}

	_, err := fx.svc.Allocate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ev.Shares, fx.own.recorded[int64(104)])
	fx.requireBalance(t, 1, "6.00")
	fx.requireBalance(t, 2, "4.00")
}

func TestAllocateTipOutMovesMoney(t *testing.T) {
	fx := newFixture(allocation.Settings{
		PoolingEnabled: true,
		TipOutRules:    []allocation.TipOutRule{{FromRole: "server", ToRole: "busser", Bps: 500}},
	})
	soleOwner(fx, 105, 1)
	fx.staff.roles[1] = "server"
	fx.staff.onShift["busser"] = []int64{8}

	res, err := fx.svc.Allocate(context.Background(), event(105, "20.00"))
	require.NoError(t, err)
	require.Empty(t, res.Violations)

	fx.requireBalance(t, 1, "19.00")
	fx.requireBalance(t, 8, "1.00")

	var sawDebit bool
	for _, e := range res.Entries {
		if e.Direction == ledger.DirectionDebit {
			sawDebit = true
			require.Equal(t, ledger.SourceTipOut, e.SourceType)
			require.True(t, e.Amount.Equal(dec("1.00")))
		}
	}
	require.True(t, sawDebit)
}

func TestAllocateTipOutSplitsAcrossRecipients(t *testing.T) {
	fx := newFixture(allocation.Settings{
		PoolingEnabled: true,
		TipOutRules:    []allocation.TipOutRule{{FromRole: "server", ToRole: "busser", Bps: 500}},
	})
	soleOwner(fx, 106, 1)
	fx.staff.roles[1] = "server"
	fx.staff.onShift["busser"] = []int64{8, 9}

	_, err := fx.svc.Allocate(context.Background(), event(106, "20.00"))
	require.NoError(t, err)

	fx.requireBalance(t, 1, "19.00")
	fx.requireBalance(t, 8, "0.50")
	fx.requireBalance(t, 9, "0.50")
}

func TestAllocateTipOutWithNoRecipientFlagsAndSkips(t *testing.T) {
	fx := newFixture(allocation.Settings{
		PoolingEnabled: true,
		TipOutRules:    []allocation.TipOutRule{{FromRole: "server", ToRole: "busser", Bps: 500}},
	})
	soleOwner(fx, 107, 1)
	fx.staff.roles[1] = "server"
	// Nobody bussing tonight. The earner keeps the money.

	res, err := fx.svc.Allocate(context.Background(), event(107, "20.00"))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, compliance.CodeTipOutNoRecipient, res.Violations[0].Code)
	fx.requireBalance(t, 1, "20.00")
}

func TestAllocateTipOutPayerNeverTipsThemself(t *testing.T) {
	fx := newFixture(allocation.Settings{
		PoolingEnabled: true,
		TipOutRules:    []allocation.TipOutRule{{FromRole: "server", ToRole: "server", Bps: 500}},
	})
	soleOwner(fx, 108, 1)
	fx.staff.roles[1] = "server"
	fx.staff.onShift["server"] = []int64{1}

	res, err := fx.svc.Allocate(context.Background(), event(108, "20.00"))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, compliance.CodeTipOutNoRecipient, res.Violations[0].Code)
	fx.requireBalance(t, 1, "20.00")
}

func TestAllocateTipOutOverCapFlagsButStillMoves(t *testing.T) {
	fx := newFixture(allocation.Settings{
		PoolingEnabled: true,
		TipOutRules:    []allocation.TipOutRule{{FromRole: "server", ToRole: "busser", Bps: 1000}},
		TipOutCapBps:   500,
	})
	soleOwner(fx, 109, 1)
	fx.staff.roles[1] = "server"
	fx.staff.onShift["busser"] = []int64{8}

	res, err := fx.svc.Allocate(context.Background(), event(109, "20.00"))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, compliance.CodeTipOutCapExceeded, res.Violations[0].Code)

	// Flagged for review, but the configured transfer still happens.
	fx.requireBalance(t, 1, "18.00")
	fx.requireBalance(t, 8, "2.00")
}

func TestAllocateFlagsSegmentFallbackForPooledEmployee(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 110, 1)
	// Active member, but no segment covers the payment time.
	fx.groups.active[1] = true

	res, err := fx.svc.Allocate(context.Background(), event(110, "15.00"))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, compliance.CodeNoSegmentFallback, res.Violations[0].Code)
	require.Equal(t, ledger.SourceDirectTip, res.Entries[0].SourceType)
	fx.requireBalance(t, 1, "15.00")
	require.Len(t, fx.flags.violations, 1, "the fallback must land in the review queue")
}

func TestAllocateReclaimsOutstandingDebt(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 111, 1)
	ctx := context.Background()

	// A prior chargeback left the ledger 3.00 under water.
	_, err := fx.ledger.Post(ctx, ledger.PostInput{
		EmployeeID:     1,
		Direction:      ledger.DirectionDebit,
		Amount:         dec("3.00"),
		SourceType:     ledger.SourceChargebackReversal,
		SourceRef:      uuid.New(),
		IdempotencyKey: "prior-chargeback",
		OccurredAt:     paidAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := fx.svc.Allocate(ctx, event(111, "10.00"))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, compliance.CodeDebtReclaimed, res.Violations[0].Code)

	// 3.00 of the incoming tip repays the debt, the rest accrues normally.
	require.Len(t, res.Entries, 2)
	bySource := make(map[ledger.SourceType]decimal.Decimal)
	for _, e := range res.Entries {
		bySource[e.SourceType] = e.Amount
	}
	require.True(t, bySource[ledger.SourceDirectTip].Equal(dec("7.00")))
	require.True(t, bySource[ledger.SourceDebtReclaim].Equal(dec("3.00")))
	fx.requireBalance(t, 1, "7.00")
}

func TestAllocateReclaimConsumesWholeTipWhenDebtIsLarger(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 112, 1)
	ctx := context.Background()

	_, err := fx.ledger.Post(ctx, ledger.PostInput{
		EmployeeID:     1,
		Direction:      ledger.DirectionDebit,
		Amount:         dec("25.00"),
		SourceType:     ledger.SourceChargebackReversal,
		SourceRef:      uuid.New(),
		IdempotencyKey: "prior-chargeback",
		OccurredAt:     paidAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := fx.svc.Allocate(ctx, event(112, "10.00"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	require.Equal(t, ledger.SourceDebtReclaim, res.Entries[0].SourceType)
	require.True(t, res.Entries[0].Amount.Equal(dec("10.00")))
	fx.requireBalance(t, 1, "-15.00")
}

func TestAllocateZeroTipIsNoOp(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})

	res, err := fx.svc.Allocate(context.Background(), event(113, "0.00"))
	require.NoError(t, err)
	require.Empty(t, res.Entries)
	require.Empty(t, fx.store.AllEntries())
}

func TestAllocateRejectsBadAmounts(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	ctx := context.Background()

	ev := event(114, "5.00")
	ev.TipAmount = dec("-5.00")
	_, err := fx.svc.Allocate(ctx, ev)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	ev.TipAmount = dec("5.005")
	_, err = fx.svc.Allocate(ctx, ev)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestAllocateRejectsInvalidResolvedShares(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	fx.own.shares[115] = []ownership.Share{{EmployeeID: 1, BasisPoints: 9000}}

	_, err := fx.svc.Allocate(context.Background(), event(115, "10.00"))
	require.ErrorIs(t, err, ownership.ErrInvalidShares)
	require.Empty(t, fx.store.AllEntries())
}

func TestTransactionByPayment(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 130, 1)
	ev := event(130, "10.00")

	_, err := fx.svc.Allocate(context.Background(), ev)
	require.NoError(t, err)

	txn, err := fx.svc.TransactionByPayment(context.Background(), ev.PaymentID)
	require.NoError(t, err)
	require.Equal(t, allocation.TransactionID(130, ev.PaymentID), txn.ID)
	require.EqualValues(t, 130, txn.OrderID)

	_, err = fx.svc.TransactionByPayment(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAllocateUnknownOrder(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})

	_, err := fx.svc.Allocate(context.Background(), event(116, "10.00"))
	require.ErrorIs(t, err, ownership.ErrUnknownOrder)
}

func TestAllocatePoolingDisabledCreditsDirect(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: false})
	soleOwner(fx, 117, 1)
	seg := openSegment(7,
		groups.SegmentMember{EmployeeID: 1, Weight: 1},
		groups.SegmentMember{EmployeeID: 2, Weight: 1},
	)
	fx.groups.segments[1] = seg
	fx.groups.active[1] = true

	res, err := fx.svc.Allocate(context.Background(), event(117, "10.00"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	require.Equal(t, ledger.SourceDirectTip, res.Entries[0].SourceType)
	fx.requireBalance(t, 1, "10.00")
	fx.requireBalance(t, 2, "0.00")
}

func TestAllocateWeightedPoolSplit(t *testing.T) {
	fx := newFixture(allocation.Settings{PoolingEnabled: true})
	soleOwner(fx, 118, 2)
	seg := openSegment(7,
		groups.SegmentMember{EmployeeID: 1, Weight: 1},
		groups.SegmentMember{EmployeeID: 2, Weight: 2},
		groups.SegmentMember{EmployeeID: 3, Weight: 1},
	)
	for _, id := range []int64{1, 2, 3} {
		fx.groups.segments[id] = seg
		fx.groups.active[id] = true
	}

	_, err := fx.svc.Allocate(context.Background(), event(118, "10.01"))
	require.NoError(t, err)

	// 10.01 at weights 1:2:1 floors to 2.50/5.00/2.50; the odd cent goes to
	// the earning owner, employee 2.
	fx.requireBalance(t, 1, "2.50")
	fx.requireBalance(t, 2, "5.01")
	fx.requireBalance(t, 3, "2.50")
}
