package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each dependency probe made by /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Post("/signals", s.handleDispatchSignal)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", s.handleListDefinitions)
			r.Post("/", s.handleCreateDefinition)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", s.handleGetDefinition)
				r.Put("/", s.handleUpdateDefinition)
				r.Put("/status", s.handleSetDefinitionStatus)
			})
		})

		r.Get("/actions", s.handleListActions)

		r.Get(wsRoute(s.wsCfg.Path), s.handleWebSocket)
	})

	return r
}

// wsRoute returns the WebSocket path below /api/v1.
func wsRoute(path string) string {
	if path == "" || path == "/" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	EngineEnabled bool              `json:"engine_enabled"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// handleHealth reports the server and dependency health. Any failing check
// turns the response into 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		EngineEnabled: s.engine.Enabled(),
	}

	if len(s.checks) > 0 {
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.checks[name].HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
