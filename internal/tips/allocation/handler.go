package allocation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/httpx"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
)

// Handler manages allocation and compliance-review endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	flags    compliance.FlagStore
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, flags compliance.FlagStore) *Handler {
	return &Handler{logger: logger, service: service, flags: flags, validate: validator.New()}
}

// MountRoutes registers allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/allocations", h.allocate)
	r.Get("/flags", h.listFlags)
	r.Post("/flags/{flagID}/resolve", h.resolveFlag)
}

type shareRequest struct {
	EmployeeID  int64 `json:"employee_id" validate:"required,gt=0"`
	BasisPoints int32 `json:"basis_points" validate:"required,gt=0"`
}

type allocateRequest struct {
	OrderID   int64          `json:"order_id" validate:"required,gt=0"`
	PaymentID uuid.UUID      `json:"payment_id" validate:"required"`
	TipAmount string         `json:"tip_amount" validate:"required"`
	PaidAt    time.Time      `json:"paid_at" validate:"required"`
	Shares    []shareRequest `json:"shares" validate:"omitempty,dive"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tip, err := decimal.NewFromString(req.TipAmount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tip amount")
		return
	}
	event := PaymentEvent{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		TipAmount: tip,
		PaidAt:    req.PaidAt,
	}
	for _, sh := range req.Shares {
		event.Shares = append(event.Shares, ownership.Share{EmployeeID: sh.EmployeeID, BasisPoints: sh.BasisPoints})
	}
	result, err := h.service.Allocate(r.Context(), event)
	if err != nil {
		h.logger.Error("allocate payment", slog.Any("error", err), slog.Int64("order_id", req.OrderID))
		h.respondError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	httpx.JSON(w, status, toResultResponse(result))
}

func (h *Handler) listFlags(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}
	status := compliance.FlagStatus(r.URL.Query().Get("status"))
	flags, total, err := h.flags.List(r.Context(), status, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("list flags", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]flagResponse, 0, len(flags))
	for _, f := range flags {
		out = append(out, toFlagResponse(f))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"flags": out, "pagination": shared.NewPagination(page, perPage, total)})
}

type resolveFlagRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) resolveFlag(w http.ResponseWriter, r *http.Request) {
	flagID, err := strconv.ParseInt(chi.URLParam(r, "flagID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid flag id")
		return
	}
	var req resolveFlagRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.flags.Resolve(r.Context(), flagID, req.ActorID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "open flag not found")
			return
		}
		h.logger.Error("resolve flag", slog.Any("error", err), slog.Int64("flag_id", flagID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ownership.ErrInvalidShares):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ownership.ErrUnknownOrder):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "transaction not found")
	default:
		httpx.RespondError(w, err)
	}
}

type entryResponse struct {
	EmployeeID int64  `json:"employee_id"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	SourceType string `json:"source_type"`
}

type violationResponse struct {
	Code       string `json:"code"`
	EmployeeID int64  `json:"employee_id,omitempty"`
	Detail     string `json:"detail"`
}

type resultResponse struct {
	TransactionID string              `json:"transaction_id"`
	OrderID       int64               `json:"order_id"`
	PaymentID     string              `json:"payment_id"`
	TipAmount     string              `json:"tip_amount"`
	Duplicate     bool                `json:"duplicate"`
	Entries       []entryResponse     `json:"entries"`
	Violations    []violationResponse `json:"violations,omitempty"`
}

func toResultResponse(result Result) resultResponse {
	out := resultResponse{
		TransactionID: result.Transaction.ID.String(),
		OrderID:       result.Transaction.OrderID,
		PaymentID:     result.Transaction.PaymentID.String(),
		TipAmount:     result.Transaction.TipAmount.StringFixed(2),
		Duplicate:     result.Duplicate,
		Entries:       make([]entryResponse, 0, len(result.Entries)),
	}
	for _, e := range result.Entries {
		out.Entries = append(out.Entries, entryResponse{
			EmployeeID: e.EmployeeID,
			Direction:  string(e.Direction),
			Amount:     e.Amount.StringFixed(2),
			SourceType: string(e.SourceType),
		})
	}
	for _, v := range result.Violations {
		out.Violations = append(out.Violations, violationResponse{Code: v.Code, EmployeeID: v.EmployeeID, Detail: v.Detail})
	}
	return out
}

type flagResponse struct {
	ID         int64      `json:"id"`
	Code       string     `json:"code"`
	EmployeeID int64      `json:"employee_id,omitempty"`
	Detail     string     `json:"detail"`
	SourceRef  string     `json:"source_ref,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func toFlagResponse(f compliance.Flag) flagResponse {
	out := flagResponse{
		ID:         f.ID,
		Code:       f.Code,
		EmployeeID: f.EmployeeID,
		Detail:     f.Detail,
		Status:     string(f.Status),
		CreatedAt:  f.CreatedAt,
		ResolvedAt: f.ResolvedAt,
	}
	if f.SourceRef != uuid.Nil {
		out.SourceRef = f.SourceRef.String()
	}
	return out
}
