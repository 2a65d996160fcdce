package adjustments

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/httpx"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

// Handler manages correction endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers correction routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions/{transactionID}/reverse", h.reverseTransaction)
	r.Post("/adjustments", h.createAdjustment)
}

type reverseRequest struct {
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
	Reason  string `json:"reason" validate:"required"`
}

func (h *Handler) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transaction id")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entries, err := h.service.ReverseTransaction(r.Context(), transactionID, req.ActorID, req.Reason)
	if err != nil {
		if errors.Is(err, ErrNothingToReverse) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("reverse transaction", slog.Any("error", err), slog.String("transaction_id", transactionID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"reversal_id": ReversalID(transactionID).String(),
		"entries":     toEntryRows(entries),
	})
}

type adjustRequest struct {
	EmployeeID int64  `json:"employee_id" validate:"required,gt=0"`
	Direction  string `json:"direction" validate:"required,oneof=CREDIT DEBIT"`
	Amount     string `json:"amount" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	ActorID    int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
		return
	}
	entry, err := h.service.Adjust(r.Context(), AdjustInput{
		EmployeeID: req.EmployeeID,
		Direction:  ledger.Direction(req.Direction),
		Amount:     amount,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("manual adjustment", slog.Any("error", err), slog.Int64("employee_id", req.EmployeeID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryRows([]ledger.Entry{entry})[0])
}

type entryRow struct {
	EmployeeID int64  `json:"employee_id"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	SourceType string `json:"source_type"`
	SourceRef  string `json:"source_ref"`
}

func toEntryRows(entries []ledger.Entry) []entryRow {
	rows := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, entryRow{
			EmployeeID: e.EmployeeID,
			Direction:  string(e.Direction),
			Amount:     e.Amount.StringFixed(2),
			SourceType: string(e.SourceType),
			SourceRef:  e.SourceRef.String(),
		})
	}
	return rows
}
