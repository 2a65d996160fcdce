package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/allocation"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/events"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/payouts"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// Inbound POS event tasks.
	TaskPaymentCompleted = "tips:payment_completed"
	TaskShiftClosed      = "tips:shift_closed"
	TaskClockedIn        = "tips:clocked_in"
	TaskChargeback       = "tips:chargeback"

	// TaskPayoutBatch runs a batch disbursement.
	TaskPayoutBatch = "tips:payout_batch"
	// TaskComplianceScan is the nightly cash-declaration check.
	TaskComplianceScan = "tips:compliance_scan"
	// TaskDedupeCleanup prunes old processed-event keys.
	TaskDedupeCleanup = "tips:dedupe_cleanup"
)

// PayoutBatchPayload describes one queued batch run.
type PayoutBatchPayload struct {
	Items       []PayoutBatchItem `json:"items"`
	RequestedBy int64             `json:"requested_by"`
}

// PayoutBatchItem is one employee's slot. An empty amount cashes out the
// full balance.
type PayoutBatchItem struct {
	EmployeeID int64  `json:"employee_id"`
	Amount     string `json:"amount,omitempty"`
	Method     string `json:"method"`
}

// ComplianceScanPayload optionally pins the business day; empty means
// yesterday.
type ComplianceScanPayload struct {
	Day string `json:"day,omitempty"`
}

// NewTask marshals a payload into an Asynq task of the given type.
func NewTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// Handlers binds task types to the engine services.
type Handlers struct {
	Consumer  *events.Consumer
	Payouts   *payouts.Service
	Scanner   *compliance.Scanner
	Settings  allocation.SettingsSource
	Dedupe    *shared.EventDedupeStore
	Retention time.Duration
	Logger    *slog.Logger
}

// Register attaches every handler to the mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskPaymentCompleted, h.handlePaymentCompleted)
	mux.HandleFunc(TaskShiftClosed, h.handleShiftClosed)
	mux.HandleFunc(TaskClockedIn, h.handleClockedIn)
	mux.HandleFunc(TaskChargeback, h.handleChargeback)
	mux.HandleFunc(TaskPayoutBatch, h.handlePayoutBatch)
	mux.HandleFunc(TaskComplianceScan, h.handleComplianceScan)
	mux.HandleFunc(TaskDedupeCleanup, h.handleDedupeCleanup)
}

func (h *Handlers) handlePaymentCompleted(ctx context.Context, t *asynq.Task) error {
	var event events.PaymentCompleted
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	return h.Consumer.HandlePaymentCompleted(ctx, event)
}

func (h *Handlers) handleShiftClosed(ctx context.Context, t *asynq.Task) error {
	var event events.ShiftClosed
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	return h.Consumer.HandleShiftClosed(ctx, event)
}

func (h *Handlers) handleClockedIn(ctx context.Context, t *asynq.Task) error {
	var event events.ClockedIn
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	return h.Consumer.HandleClockedIn(ctx, event)
}

func (h *Handlers) handleChargeback(ctx context.Context, t *asynq.Task) error {
	var event events.Chargeback
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	return h.Consumer.HandleChargeback(ctx, event)
}

func (h *Handlers) handlePayoutBatch(ctx context.Context, t *asynq.Task) error {
	var payload PayoutBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	items := make([]payouts.BatchItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		amount := decimal.Zero
		if item.Amount != "" {
			var err error
			amount, err = decimal.NewFromString(item.Amount)
			if err != nil {
				return asynq.SkipRetry
			}
		}
		items = append(items, payouts.BatchItem{
			EmployeeID: item.EmployeeID,
			Amount:     amount,
			Method:     payouts.Method(item.Method),
		})
	}
	results := h.Payouts.Batch(ctx, items, payload.RequestedBy)
	for _, res := range results {
		if res.Err != nil {
			h.Logger.Warn("batch payout item failed", slog.Any("error", res.Err), slog.Int64("employee_id", res.EmployeeID))
		}
	}
	return nil
}

func (h *Handlers) handleComplianceScan(ctx context.Context, t *asynq.Task) error {
	var payload ComplianceScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	day := time.Now().AddDate(0, 0, -1)
	if payload.Day != "" {
		parsed, err := time.Parse("2006-01-02", payload.Day)
		if err != nil {
			return asynq.SkipRetry
		}
		day = parsed
	}
	settings, err := h.Settings.Resolve(ctx)
	if err != nil {
		return err
	}
	flagged, err := h.Scanner.ScanDay(ctx, day, settings.CashDeclarationMinBps)
	if err != nil {
		return err
	}
	h.Logger.Info("compliance scan complete", slog.Time("day", day), slog.Int("flags", flagged))
	return nil
}

func (h *Handlers) handleDedupeCleanup(ctx context.Context, t *asynq.Task) error {
	retention := h.Retention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return h.Dedupe.Cleanup(ctx, retention)
}
