package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/tenantflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
)

// Ready reports whether no tenant engine is still initializing.
func (s *Service) Ready() bool {
	if s.registry == nil {
		return false
	}
	for _, st := range s.registry.Snapshot() {
		if st.State == tenant.StateInitializing {
			return false
		}
	}
	return true
}

// Resources samples the process footprint and counts the live engines and
// their connector hosts.
func (s *Service) Resources() ResourceUsage {
	usage := s.resources.Snapshot()
	if s.registry == nil {
		return usage
	}
	for _, st := range s.registry.Snapshot() {
		usage.Engines++
		usage.Connectors += len(st.Connectors)
	}
	return usage
}

// AdminHandler serves health, tenant and runtime endpoints plus /metrics.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tenants", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
		})
		r.Post("/tenants/refresh", s.handleRefresh)
		r.Get("/tenants/{token}", s.handleTenant)
		r.Post("/tenants/{token}/connectors/{id}/pause", s.handleConnector(tenant.Host.Pause))
		r.Post("/tenants/{token}/connectors/{id}/resume", s.handleConnector(tenant.Host.Resume))
		r.Get("/transports", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, s.transports.Catalog())
		})
		r.Get("/runtime", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, s.Resources())
		})
	})
	return r
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleTenant(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	e, ok := s.registry.Get(token)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found", "token": token})
		return
	}
	s.writeJSON(w, http.StatusOK, e.Status())
}

// handleConnector applies op to one connector host of a tenant and answers
// with the host status.
func (s *Service) handleConnector(op func(tenant.Host) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, id := chi.URLParam(r, "token"), chi.URLParam(r, "id")
		e, ok := s.registry.Get(token)
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found", "token": token})
			return
		}
		h, ok := e.Host(id)
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "connector not found", "connector": id})
			return
		}
		if err := op(h); err != nil {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, h.Status())
	}
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "no tenant directory configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.Conf.InitTimeout+5*time.Second)
	defer cancel()
	if err := s.registry.Refresh(ctx); err != nil {
		s.Logger.Warn("Admin refresh failed", err, nil)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Service) metricsHandler() http.Handler {
	if g, ok := s.deps.Registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode admin response", err, loggingpkg.LogFields{"status": status})
	}
}

func (s *Service) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for a request
// origin, or "" when the origin is not allowed.
func (s *Service) allowedOrigin(requestOrigin string) string {
	if requestOrigin == "" {
		return ""
	}
	for _, allowed := range s.Conf.AdminCORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
