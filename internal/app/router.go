package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/copperleaf-pos/copperleaf-pos/internal/observability"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/adjustments"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/allocation"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/groups"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/payouts"
	"github.com/copperleaf-pos/copperleaf-pos/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	LedgerHandler      *ledger.Handler
	GroupsHandler      *groups.Handler
	AllocationHandler  *allocation.Handler
	PayoutsHandler     *payouts.Handler
	AdjustmentsHandler *adjustments.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Copperleaf defaults. Every tip
// engine surface mounts under /tips.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/tips", func(r chi.Router) {
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.GroupsHandler != nil {
			params.GroupsHandler.MountRoutes(r)
		}
		if params.AllocationHandler != nil {
			params.AllocationHandler.MountRoutes(r)
		}
		if params.PayoutsHandler != nil {
			params.PayoutsHandler.MountRoutes(r)
		}
		if params.AdjustmentsHandler != nil {
			params.AdjustmentsHandler.MountRoutes(r)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
