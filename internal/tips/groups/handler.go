package groups

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/httpx"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
)

// Handler manages group endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers group routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/groups", h.createGroup)
	r.Get("/groups", h.listGroups)
	r.Get("/groups/{groupID}", h.getGroup)
	r.Post("/groups/{groupID}/members", h.joinGroup)
	r.Delete("/groups/{groupID}/members/{employeeID}", h.leaveGroup)
	r.Put("/groups/{groupID}/members/{employeeID}", h.reweightMember)
	r.Post("/groups/{groupID}/close", h.closeGroup)
	r.Get("/groups/{groupID}/report", h.groupReport)
}

type createGroupRequest struct {
	Name         string `json:"name" validate:"required"`
	OwnerID      int64  `json:"owner_id" validate:"required,gt=0"`
	TemplateRole string `json:"template_role"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	group, err := h.service.Create(r.Context(), req.Name, req.OwnerID, req.TemplateRole)
	if err != nil {
		h.logger.Error("create group", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGroupResponse(group))
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list groups", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	out := make([]groupResponse, 0, len(list))
	for _, g := range list {
		out = append(out, toGroupResponse(g))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	group, err := h.service.Get(r.Context(), groupID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupResponse(group))
}

type joinGroupRequest struct {
	EmployeeID int64      `json:"employee_id" validate:"required,gt=0"`
	Weight     int64      `json:"weight" validate:"gte=0"`
	At         *time.Time `json:"at"`
}

func (h *Handler) joinGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	var req joinGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Join(r.Context(), groupID, req.EmployeeID, req.Weight, timeOrZero(req.At)); err != nil {
		h.logger.Error("join group", slog.Any("error", err), slog.Int64("group_id", groupID))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) leaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	employeeID, err := paramInt64(r, "employeeID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid employee id")
		return
	}
	if err := h.service.Leave(r.Context(), groupID, employeeID, time.Time{}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

type reweightRequest struct {
	Weight int64 `json:"weight" validate:"required,gt=0"`
}

func (h *Handler) reweightMember(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	employeeID, err := paramInt64(r, "employeeID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid employee id")
		return
	}
	var req reweightRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Reweight(r.Context(), groupID, employeeID, req.Weight, time.Time{}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) closeGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	if err := h.service.Close(r.Context(), groupID, time.Time{}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) groupReport(w http.ResponseWriter, r *http.Request) {
	groupID, err := paramInt64(r, "groupID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	from, to, err := queryDateRange(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	reports, err := h.service.Report(r.Context(), groupID, from, to)
	if err != nil {
		h.logger.Error("group report", slog.Any("error", err), slog.Int64("group_id", groupID))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReportResponse(groupID, reports))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "group not found")
	case errors.Is(err, ErrGroupClosed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrNotMember):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

type groupResponse struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	OwnerID      int64      `json:"owner_id"`
	Status       string     `json:"status"`
	TemplateRole string     `json:"template_role,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func toGroupResponse(g Group) groupResponse {
	return groupResponse{
		ID:           g.ID,
		Name:         g.Name,
		OwnerID:      g.OwnerID,
		Status:       string(g.Status),
		TemplateRole: g.TemplateRole,
		CreatedAt:    g.CreatedAt,
		ClosedAt:     g.ClosedAt,
	}
}

type segmentReportResponse struct {
	SegmentID int64              `json:"segment_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Members   []segmentMemberRow `json:"members"`
}

type segmentMemberRow struct {
	EmployeeID int64  `json:"employee_id"`
	Weight     int64  `json:"weight"`
	Allocated  string `json:"allocated"`
}

type reportResponse struct {
	GroupID  int64                   `json:"group_id"`
	Segments []segmentReportResponse `json:"segments"`
}

func toReportResponse(groupID int64, reports []SegmentReport) reportResponse {
	out := reportResponse{GroupID: groupID, Segments: make([]segmentReportResponse, 0, len(reports))}
	for _, rep := range reports {
		row := segmentReportResponse{
			SegmentID: rep.Segment.ID,
			StartedAt: rep.Segment.StartedAt,
			EndedAt:   rep.Segment.EndedAt,
			Members:   make([]segmentMemberRow, 0, len(rep.Segment.Members)),
		}
		totals := make(map[int64]string, len(rep.Totals))
		for _, t := range rep.Totals {
			totals[t.EmployeeID] = t.Amount
		}
		for _, m := range rep.Segment.Members {
			allocated, ok := totals[m.EmployeeID]
			if !ok {
				allocated = "0.00"
			}
			row.Members = append(row.Members, segmentMemberRow{EmployeeID: m.EmployeeID, Weight: m.Weight, Allocated: allocated})
		}
		out.Segments = append(out.Segments, row)
	}
	return out
}

func paramInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func queryDateRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.AddDate(0, 0, -7)
	to := now
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
