package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/httpx"
)

// Handler exposes balance and statement queries for reporting and payroll.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/employees/{employeeID}/balance", h.getBalance)
	r.Get("/employees/{employeeID}/ledger", h.getHistory)
}

type balanceResponse struct {
	EmployeeID int64  `json:"employee_id"`
	Balance    string `json:"balance"`
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	employeeID, err := strconv.ParseInt(chi.URLParam(r, "employeeID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid employee id")
		return
	}
	balance, err := h.service.Balance(r.Context(), employeeID)
	if err != nil {
		h.logger.Error("get balance", slog.Any("error", err), slog.Int64("employee_id", employeeID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{EmployeeID: employeeID, Balance: balance.StringFixed(2)})
}

type entryResponse struct {
	ID             int64  `json:"id"`
	Direction      string `json:"direction"`
	Amount         string `json:"amount"`
	SourceType     string `json:"source_type"`
	SourceRef      string `json:"source_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	OccurredAt     string `json:"occurred_at"`
}

type historyResponse struct {
	EmployeeID int64           `json:"employee_id"`
	Entries    []entryResponse `json:"entries"`
	Page       int             `json:"page"`
	PerPage    int             `json:"per_page"`
	Total      int             `json:"total"`
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	employeeID, err := strconv.ParseInt(chi.URLParam(r, "employeeID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid employee id")
		return
	}
	from, to, err := parseDateRange(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	entries, pagination, err := h.service.History(r.Context(), employeeID, from, to, page, perPage)
	if err != nil {
		h.logger.Error("ledger history", slog.Any("error", err), slog.Int64("employee_id", employeeID))
		httpx.RespondError(w, err)
		return
	}
	resp := historyResponse{
		EmployeeID: employeeID,
		Entries:    make([]entryResponse, 0, len(entries)),
		Page:       pagination.Page,
		PerPage:    pagination.PerPage,
		Total:      pagination.Total,
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:             e.ID,
			Direction:      string(e.Direction),
			Amount:         e.Amount.StringFixed(2),
			SourceType:     string(e.SourceType),
			SourceRef:      e.SourceRef.String(),
			IdempotencyKey: e.IdempotencyKey,
			OccurredAt:     e.OccurredAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().AddDate(0, 0, 1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, err
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, err
		}
		to = parsed.AddDate(0, 0, 1)
	}
	return from, to, nil
}
