// Package admin serves the read-only operator endpoints: health, Prometheus
// metrics and the status of every live integration.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/metrics"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// IntegrationStatus is one entry of GET /integrations.
type IntegrationStatus struct {
	ID          int64  `json:"id"`
	CommunityID int64  `json:"community_id"`
	Kind        string `json:"kind"`
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	Transport   string `json:"transport,omitempty"`
}

type statusReporter interface {
	Running() bool
	ConnectionState() string
}

func SetupRoutes(registry *integration.Registry, checks map[string]Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz(checks))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/integrations", ListIntegrations(registry))
	r.Get("/integrations/{id}", GetIntegration(registry))
	return r
}

// Healthz runs every check and answers 503 naming the failed ones.
func Healthz(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func ListIntegrations(registry *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := registry.All()
		out := make([]IntegrationStatus, 0, len(all))
		for _, in := range all {
			out = append(out, status(in))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func GetIntegration(registry *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid integration id", http.StatusBadRequest)
			return
		}
		in, ok := registry.Get(id)
		if !ok {
			http.Error(w, "integration not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status(in))
	}
}

func status(in integration.Integration) IntegrationStatus {
	cfg := in.Config()
	s := IntegrationStatus{
		ID:          cfg.ID,
		CommunityID: cfg.CommunityID,
		Kind:        string(cfg.Kind),
		Enabled:     cfg.Enabled,
	}
	if sr, ok := in.(statusReporter); ok {
		s.Running = sr.Running()
		s.Transport = sr.ConnectionState()
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
