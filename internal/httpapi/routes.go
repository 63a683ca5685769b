package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dawsonblock/dsrouter/internal/budget"
	"github.com/dawsonblock/dsrouter/internal/events"
	"github.com/dawsonblock/dsrouter/internal/health"
	"github.com/dawsonblock/dsrouter/internal/idempotency"
	"github.com/dawsonblock/dsrouter/internal/metrics"
	"github.com/dawsonblock/dsrouter/internal/pipeline"
	"github.com/dawsonblock/dsrouter/internal/ratelimit"
	"github.com/dawsonblock/dsrouter/internal/routing"
	"github.com/dawsonblock/dsrouter/internal/store"
)

// Dependencies is everything the handlers need. Optional fields are nil-safe:
// a nil store skips persistence, a nil event bus disables the events feed, a
// nil admin credential disables admin auth (development only).
type Dependencies struct {
	Orchestrator *pipeline.Orchestrator
	Engine       *routing.Engine
	Health       *health.Tracker
	Budget       *budget.Governor
	Metrics      *metrics.Registry
	Store        store.Store
	EventBus     *events.Bus

	Admin *AdminCredential

	// RateLimiter and Idempotency, when set, are applied to the /v1 group.
	RateLimiter *ratelimit.Limiter
	Idempotency *idempotency.Cache

	// ReloadSecrets re-reads provider credentials; ReloadProviders re-reads
	// the descriptor file and swaps the provider table. Nil returns
	// not-supported from the corresponding admin endpoint.
	ReloadSecrets   func(ctx context.Context) error
	ReloadProviders func(ctx context.Context) error
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		providers := d.Engine.ListProviders()
		if len(providers) == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":    "unhealthy",
				"providers": 0,
			})
			return
		}
		writeJSON(w, map[string]any{
			"status":    "ok",
			"providers": len(providers),
		})
	})

	r.Get("/providers", ProvidersStatusHandler(d))

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.Idempotency != nil {
			r.Use(idempotency.Middleware(d.Idempotency))
		}
		r.Post("/chat", ChatHandler(d))
		r.Post("/chat/{id}/stop", StopHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminAuth(d.Admin))
		r.Post("/router/set-thresholds", SetThresholdsHandler(d))
		r.Get("/router/thresholds", ThresholdsGetHandler(d))
		r.Post("/router/forced-override", ForcedOverrideHandler(d))
		r.Post("/router/reload-secrets", ReloadHandler(d, "secrets"))
		r.Post("/router/reload-providers", ReloadHandler(d, "providers"))
		r.Post("/budget/reset", BudgetResetHandler(d))
		r.Get("/budget", BudgetGetHandler(d))
		r.Get("/health", HealthStatsHandler(d))
		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/actions", AdminActionsHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
