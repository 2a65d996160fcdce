package adjustments_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/adjustments"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger/ledgertest"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type memAudit struct {
	logs []shared.AuditLog
}

func (a *memAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

// memRepo commits the adjustment row and the ledger entry through one
// ledgertest transaction, so a failed insert rolls the entry back.
type memRepo struct {
	store       *ledgertest.Store
	adjustments []adjustments.Adjustment
	insertErr   error
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, adjustments.Tx) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context, ltx ledger.Tx) error {
		return fn(ctx, &memTx{repo: r, ledger: ltx})
	})
}

type memTx struct {
	repo   *memRepo
	ledger ledger.Tx
}

func (t *memTx) Ledger() ledger.Tx {
	return t.ledger
}

func (t *memTx) InsertAdjustment(ctx context.Context, adj adjustments.Adjustment) error {
	if t.repo.insertErr != nil {
		return t.repo.insertErr
	}
	t.repo.adjustments = append(t.repo.adjustments, adj)
	return nil
}

func newTestService(store *ledgertest.Store) (*adjustments.Service, *memRepo, *memAudit) {
	repo := &memRepo{store: store}
	audit := &memAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return adjustments.NewService(repo, ledger.NewService(store), audit, nil, logger), repo, audit
}

// postAllocation stands in for an allocation: a tip-out debit against the
// earner plus credits for the earner and the recipient, all under one
// transaction ref.
func postAllocation(t *testing.T, store *ledgertest.Store, txID uuid.UUID) {
	t.Helper()
	svc := ledger.NewService(store)
	occurred := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	_, err := svc.PostBatch(context.Background(), []ledger.PostInput{
		{EmployeeID: 1, Direction: ledger.DirectionDebit, Amount: dec("1.00"), SourceType: ledger.SourceTipOut, SourceRef: txID, IdempotencyKey: "t:1:debit", OccurredAt: occurred},
		{EmployeeID: 1, Direction: ledger.DirectionCredit, Amount: dec("20.00"), SourceType: ledger.SourceDirectTip, SourceRef: txID, IdempotencyKey: "t:1:credit", OccurredAt: occurred},
		{EmployeeID: 2, Direction: ledger.DirectionCredit, Amount: dec("1.00"), SourceType: ledger.SourceTipOut, SourceRef: txID, IdempotencyKey: "t:2:credit", OccurredAt: occurred},
	})
	require.NoError(t, err)
}

func requireBalance(t *testing.T, store *ledgertest.Store, employeeID int64, want string) {
	t.Helper()
	balance, err := store.Balance(context.Background(), employeeID)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec(want)), "employee %d: balance %s, want %s", employeeID, balance, want)
}

func TestReverseTransactionRestoresBalances(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, audit := newTestService(store)
	ctx := context.Background()
	txID := uuid.New()
	postAllocation(t, store, txID)
	requireBalance(t, store, 1, "19.00")
	requireBalance(t, store, 2, "1.00")

	entries, err := svc.ReverseTransaction(ctx, txID, 9, "chargeback")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	requireBalance(t, store, 1, "0.00")
	requireBalance(t, store, 2, "0.00")
	for _, e := range entries {
		require.Equal(t, ledger.SourceChargebackReversal, e.SourceType)
	}
	require.Len(t, audit.logs, 1)
	require.Equal(t, "transaction.reverse", audit.logs[0].Action)
}

func TestReverseTransactionIdempotent(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()
	txID := uuid.New()
	postAllocation(t, store, txID)

	first, err := svc.ReverseTransaction(ctx, txID, 9, "chargeback")
	require.NoError(t, err)
	second, err := svc.ReverseTransaction(ctx, txID, 9, "chargeback redelivered")
	require.NoError(t, err)
	require.Len(t, second, len(first))
	require.Equal(t, first[0].ID, second[0].ID)

	requireBalance(t, store, 1, "0.00")
	requireBalance(t, store, 2, "0.00")
	require.Len(t, store.AllEntries(), 6, "a second reversal must not post new entries")
}

func TestReverseTransactionDrivesBalanceNegative(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()
	txID := uuid.New()
	postAllocation(t, store, txID)

	// The earner already cashed out before the chargeback landed.
	_, err := ledger.NewService(store).Withdraw(ctx, ledger.PostInput{
		EmployeeID:     1,
		Direction:      ledger.DirectionDebit,
		Amount:         dec("19.00"),
		SourceType:     ledger.SourcePayout,
		SourceRef:      uuid.New(),
		IdempotencyKey: "payout",
		OccurredAt:     time.Now(),
	})
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, txID, 9, "chargeback")
	require.NoError(t, err)
	requireBalance(t, store, 1, "-19.00")
}

func TestReverseTransactionWithNoEntries(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, _ := newTestService(store)

	_, err := svc.ReverseTransaction(context.Background(), uuid.New(), 9, "chargeback")
	require.ErrorIs(t, err, adjustments.ErrNothingToReverse)
}

func TestAdjustPostsEntryWithAudit(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, audit := newTestService(store)
	ctx := context.Background()

	entry, err := svc.Adjust(ctx, adjustments.AdjustInput{
		EmployeeID: 1,
		Direction:  ledger.DirectionCredit,
		Amount:     dec("5.00"),
		Reason:     "missed tip on order 812",
		ActorID:    9,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.SourceAdjustment, entry.SourceType)
	requireBalance(t, store, 1, "5.00")

	require.Len(t, audit.logs, 1)
	require.Equal(t, "ledger.adjust", audit.logs[0].Action)
	require.Equal(t, "missed tip on order 812", audit.logs[0].Meta["reason"])
}

func TestAdjustPersistsRecordWithEntry(t *testing.T) {
	store := ledgertest.NewStore()
	svc, repo, _ := newTestService(store)

	entry, err := svc.Adjust(context.Background(), adjustments.AdjustInput{
		EmployeeID: 1,
		Direction:  ledger.DirectionCredit,
		Amount:     dec("5.00"),
		Reason:     "missed tip on order 812",
		ActorID:    9,
	})
	require.NoError(t, err)

	require.Len(t, repo.adjustments, 1, "every adjustment entry carries exactly one record")
	adj := repo.adjustments[0]
	require.Equal(t, entry.ID, adj.EntryID)
	require.Equal(t, entry.SourceRef, adj.ID)
	require.EqualValues(t, 1, adj.EmployeeID)
	require.EqualValues(t, 9, adj.CreatedBy)
	require.Equal(t, "missed tip on order 812", adj.Reason)
	require.True(t, adj.Amount.Equal(dec("5.00")))
}

func TestAdjustRollsBackEntryWhenRecordFails(t *testing.T) {
	store := ledgertest.NewStore()
	svc, repo, audit := newTestService(store)
	repo.insertErr = errors.New("relation unavailable")

	_, err := svc.Adjust(context.Background(), adjustments.AdjustInput{
		EmployeeID: 1,
		Direction:  ledger.DirectionCredit,
		Amount:     dec("5.00"),
		Reason:     "missed tip",
		ActorID:    9,
	})
	require.Error(t, err)

	require.Empty(t, store.AllEntries(), "the entry must not outlive its record")
	requireBalance(t, store, 1, "0.00")
	require.Empty(t, audit.logs)
}

func TestAdjustDebitMayGoNegative(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, _ := newTestService(store)

	_, err := svc.Adjust(context.Background(), adjustments.AdjustInput{
		EmployeeID: 1,
		Direction:  ledger.DirectionDebit,
		Amount:     dec("4.00"),
		Reason:     "duplicate manual credit",
		ActorID:    9,
	})
	require.NoError(t, err)
	requireBalance(t, store, 1, "-4.00")
}

func TestAdjustRequiresReasonAndActor(t *testing.T) {
	store := ledgertest.NewStore()
	svc, _, audit := newTestService(store)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, adjustments.AdjustInput{EmployeeID: 1, Direction: ledger.DirectionCredit, Amount: dec("5.00"), ActorID: 9})
	require.Error(t, err)

	_, err = svc.Adjust(ctx, adjustments.AdjustInput{EmployeeID: 1, Direction: ledger.DirectionCredit, Amount: dec("5.00"), Reason: "found cash"})
	require.Error(t, err)

	require.Empty(t, audit.logs)
	require.Empty(t, store.AllEntries())
}
