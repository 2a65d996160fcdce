package payouts

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
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
)

// Handler manages payout endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payout routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payouts", h.createPayout)
	r.Post("/payouts/batch", h.batchPayouts)
	r.Get("/payouts/{payoutID}", h.getPayout)
	r.Get("/employees/{employeeID}/payouts", h.listPayouts)
}

type createPayoutRequest struct {
	EmployeeID  int64  `json:"employee_id" validate:"required,gt=0"`
	Amount      string `json:"amount"`
	Method      string `json:"method" validate:"required,oneof=CASH PAYROLL"`
	RequestedBy int64  `json:"requested_by" validate:"required,gt=0"`
}

func (h *Handler) createPayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
			return
		}
	}
	payout, err := h.service.Create(r.Context(), CreateInput{
		EmployeeID:  req.EmployeeID,
		Amount:      amount,
		Method:      Method(req.Method),
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		h.logger.Error("create payout", slog.Any("error", err), slog.Int64("employee_id", req.EmployeeID))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPayoutResponse(payout))
}

type batchItemRequest struct {
	EmployeeID int64  `json:"employee_id" validate:"required,gt=0"`
	Amount     string `json:"amount"`
	Method     string `json:"method" validate:"required,oneof=CASH PAYROLL"`
}

type batchPayoutRequest struct {
	Items       []batchItemRequest `json:"items" validate:"required,min=1,dive"`
	RequestedBy int64              `json:"requested_by" validate:"required,gt=0"`
}

func (h *Handler) batchPayouts(w http.ResponseWriter, r *http.Request) {
	var req batchPayoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	items := make([]BatchItem, 0, len(req.Items))
	for _, item := range req.Items {
		amount := decimal.Zero
		if item.Amount != "" {
			var err error
			amount, err = decimal.NewFromString(item.Amount)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
				return
			}
		}
		items = append(items, BatchItem{EmployeeID: item.EmployeeID, Amount: amount, Method: Method(item.Method)})
	}
	results := h.service.Batch(r.Context(), items, req.RequestedBy)
	out := make([]batchResultResponse, 0, len(results))
	for _, res := range results {
		row := batchResultResponse{EmployeeID: res.EmployeeID}
		if res.Err != nil {
			switch {
			case errors.Is(res.Err, ledger.ErrInsufficientBalance),
				errors.Is(res.Err, ledger.ErrInvalidAmount),
				errors.Is(res.Err, ErrInvalidMethod):
				row.Error = res.Err.Error()
			default:
				row.Error = shared.UserSafeMessage(res.Err)
			}
		} else {
			row.PayoutID = res.PayoutID.String()
			row.Amount = res.Amount.StringFixed(2)
		}
		out = append(out, row)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handler) getPayout(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payout id")
		return
	}
	payout, err := h.service.Get(r.Context(), payoutID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPayoutResponse(payout))
}

func (h *Handler) listPayouts(w http.ResponseWriter, r *http.Request) {
	employeeID, err := strconv.ParseInt(chi.URLParam(r, "employeeID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid employee id")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	payouts, pagination, err := h.service.List(r.Context(), employeeID, page, perPage)
	if err != nil {
		h.logger.Error("list payouts", slog.Any("error", err), slog.Int64("employee_id", employeeID))
		httpx.RespondError(w, err)
		return
	}
	out := make([]payoutResponse, 0, len(payouts))
	for _, p := range payouts {
		out = append(out, toPayoutResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payouts": out, "pagination": pagination})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrInvalidMethod):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "payout not found")
	default:
		httpx.RespondError(w, err)
	}
}

type payoutResponse struct {
	ID          string    `json:"id"`
	EmployeeID  int64     `json:"employee_id"`
	Amount      string    `json:"amount"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	RequestedBy int64     `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type batchResultResponse struct {
	EmployeeID int64  `json:"employee_id"`
	PayoutID   string `json:"payout_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toPayoutResponse(p Payout) payoutResponse {
	return payoutResponse{
		ID:          p.ID.String(),
		EmployeeID:  p.EmployeeID,
		Amount:      p.Amount.StringFixed(2),
		Method:      string(p.Method),
		Status:      string(p.Status),
		RequestedBy: p.RequestedBy,
		CreatedAt:   p.CreatedAt,
	}
}
