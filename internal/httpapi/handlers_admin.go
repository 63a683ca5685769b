package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dawsonblock/dsrouter/internal/circuit"
	"github.com/dawsonblock/dsrouter/internal/store"
)

// warnOnErr logs a warning when a background store operation fails. Admin
// audit writes must be visible but never block the response.
func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// logAdminAction records an admin mutation in the store audit trail.
func logAdminAction(ctx context.Context, d Dependencies, action, detail string) {
	if d.Store == nil {
		return
	}
	warnOnErr("admin_audit", d.Store.LogAdminAction(ctx, store.AdminActionRecord{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Detail:    detail,
		RequestID: middleware.GetReqID(ctx),
	}))
}

// SetThresholdsHandler applies a partial threshold update. Omitted fields
// keep their current values; the swap is atomic.
func SetThresholdsHandler(d Dependencies) http.HandlerFunc {
	type thresholdsPatch struct {
		ConfThreshold    *float64 `json:"conf_threshold"`
		SupportThreshold *float64 `json:"support_threshold"`
		MaxCoTTokens     *int     `json:"max_cot_tokens"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var patch thresholdsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			jsonError(w, CodeValidation, "bad json", http.StatusBadRequest)
			return
		}

		t := d.Engine.GetThresholds()
		if patch.ConfThreshold != nil {
			t.ConfThreshold = *patch.ConfThreshold
		}
		if patch.SupportThreshold != nil {
			t.SupportThreshold = *patch.SupportThreshold
		}
		if patch.MaxCoTTokens != nil {
			t.MaxCoTTokens = *patch.MaxCoTTokens
		}
		if err := d.Engine.SetThresholds(t); err != nil {
			jsonError(w, CodeValidation, err.Error(), http.StatusBadRequest)
			return
		}

		detail, _ := json.Marshal(t)
		logAdminAction(r.Context(), d, "thresholds.set", string(detail))
		writeJSON(w, map[string]any{"current_thresholds": t})
	}
}

// ThresholdsGetHandler returns the current threshold snapshot.
func ThresholdsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"current_thresholds": d.Engine.GetThresholds()})
	}
}

// ForcedOverrideHandler pins routing to a single provider, or clears the pin
// when provider is null or empty.
func ForcedOverrideHandler(d Dependencies) http.HandlerFunc {
	type overrideReq struct {
		Provider *string `json:"provider"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req overrideReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, CodeValidation, "bad json", http.StatusBadRequest)
			return
		}

		name := ""
		if req.Provider != nil {
			name = *req.Provider
		}
		if name != "" {
			found := false
			for _, p := range d.Engine.ListProviders() {
				if p.Name() == name {
					found = true
					break
				}
			}
			if !found {
				jsonError(w, CodeNotFound, "unknown provider", http.StatusNotFound)
				return
			}
		}

		d.Engine.SetForcedOverride(name)
		logAdminAction(r.Context(), d, "router.forced-override", name)
		writeJSON(w, map[string]any{"current_thresholds": d.Engine.GetThresholds()})
	}
}

// ReloadHandler runs one of the reload hooks: "secrets" re-resolves provider
// credentials, "providers" re-reads the descriptor file and swaps the table.
func ReloadHandler(d Dependencies, which string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fn func(ctx context.Context) error
		switch which {
		case "secrets":
			fn = d.ReloadSecrets
		case "providers":
			fn = d.ReloadProviders
		}
		if fn == nil {
			jsonError(w, CodeValidation, "reload not supported", http.StatusNotImplemented)
			return
		}
		if err := fn(r.Context()); err != nil {
			jsonError(w, CodeInternal, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		logAdminAction(r.Context(), d, "router.reload-"+which, "")
		writeJSON(w, map[string]any{"status": "reloaded"})
	}
}

// BudgetResetHandler zeroes today's budget counters.
func BudgetResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Budget.ResetDay(r.Context())
		logAdminAction(r.Context(), d, "budget.reset", "")
		writeJSON(w, map[string]any{"status": "budget_reset"})
	}
}

// BudgetGetHandler returns current budget utilization.
func BudgetGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Budget.GetSnapshot())
	}
}

// HealthStatsHandler returns the full health snapshot per provider.
func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"providers": d.Health.AllSnapshots()})
	}
}

// providerStatus is the per-provider entry of GET /providers.
type providerStatus struct {
	Status       string  `json:"status"`
	Tier         string  `json:"tier"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
	CircuitState string  `json:"circuit_state"`
}

// ProvidersStatusHandler reports the routing view of every registered
// provider. router_active is true while at least one provider is eligible.
func ProvidersStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]providerStatus)
		active := false
		for _, p := range d.Engine.ListProviders() {
			name := p.Name()
			snap := d.Health.GetSnapshot(name)
			status := "unavailable"
			if snap.CircuitState != circuit.Open.String() {
				status = "available"
				active = true
			}
			out[name] = providerStatus{
				Status:       status,
				Tier:         string(p.Descriptor().Tier),
				P95LatencyMs: snap.P95LatencyMs,
				ErrorRate:    snap.ErrorRate,
				CircuitState: snap.CircuitState,
			}
		}
		writeJSON(w, map[string]any{
			"providers":     out,
			"router_active": active,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// DecisionsHandler lists recent audit decisions from the store.
func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, map[string]any{"decisions": []any{}})
			return
		}
		limit, offset := parsePagination(r)
		rows, err := d.Store.ListDecisions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, CodeInternal, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"decisions": rows})
	}
}

// AdminActionsHandler lists recent admin mutations from the store.
func AdminActionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, map[string]any{"actions": []any{}})
			return
		}
		limit, offset := parsePagination(r)
		rows, err := d.Store.ListAdminActions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, CodeInternal, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"actions": rows})
	}
}

// parsePagination extracts limit and offset query parameters.
// Defaults: limit=100, offset=0; limit is capped at 1000.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
			if limit > 1000 {
				limit = 1000
			}
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
