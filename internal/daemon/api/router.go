// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/log"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/tracing"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// MetricsHandler provides a Prometheus metrics endpoint.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with the daemon's middleware chain.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger

	health HealthProvider
}

// HealthProvider summarizes daemon state for the health endpoint.
type HealthProvider interface {
	HealthSummary() HealthSummary
}

// HealthSummary is the health endpoint payload.
type HealthSummary struct {
	Backends       int  `json:"backends"`
	BackendsOnline int  `json:"backends_online"`
	ActiveGroups   int  `json:"active_groups"`
	StoreOK        bool `json:"store_ok"`
}

// NewRouter creates a new HTTP router with the base endpoints.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.New(log.FromEnv()),
	}

	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)

	// Root endpoint for basic connectivity check
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetHealthProvider sets the source for the health endpoint summary.
func (r *Router) SetHealthProvider(provider HealthProvider) {
	r.health = provider
}

// SetMetricsHandler registers the Prometheus metrics endpoint.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// SetJobsHandler registers the job endpoints.
func (r *Router) SetJobsHandler(handler *JobsHandler) {
	if handler != nil {
		r.mux.HandleFunc("POST /api/job", handler.HandleSubmit)
		r.mux.HandleFunc("GET /api/jobs", handler.HandleList)
		r.mux.HandleFunc("GET /api/jobs/{id}", handler.HandleGet)
		r.mux.HandleFunc("DELETE /api/jobs/{id}", handler.HandleCancel)
		r.mux.HandleFunc("POST /api/jobs/{id}/backend", handler.HandleDecide)
	}
}

// SetBackendsHandler registers the backend endpoints.
func (r *Router) SetBackendsHandler(handler *BackendsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /api/backends", handler.HandleList)
		r.mux.HandleFunc("GET /api/backends/{id}", handler.HandleGet)
		r.mux.HandleFunc("GET /api/backends/{id}/status", handler.HandleStatus)
		r.mux.HandleFunc("GET /api/backends/{id}/metrics", handler.HandleMetricsHistory)
	}
}

// SetGroupsHandler registers the job group endpoints, WebSocket included.
func (r *Router) SetGroupsHandler(handler *GroupsHandler) {
	if handler != nil {
		r.mux.HandleFunc("POST /api/job-group", handler.HandleCreate)
		r.mux.HandleFunc("GET /api/job-groups", handler.HandleList)
		r.mux.HandleFunc("GET /api/job-groups/{id}", handler.HandleGet)
		r.mux.HandleFunc("DELETE /api/job-groups/{id}", handler.HandleCancel)
		r.mux.HandleFunc("GET /ws/job-groups/{id}", handler.HandleSubscribe)
	}
}

// SetWorkflowsHandler registers the workflow definition endpoints.
func (r *Router) SetWorkflowsHandler(handler *WorkflowsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /api/workflows", handler.HandleList)
		r.mux.HandleFunc("POST /api/workflows", handler.HandleSave)
		r.mux.HandleFunc("GET /api/workflows/{id}", handler.HandleGet)
		r.mux.HandleFunc("PUT /api/workflows/{id}", handler.HandleUpdate)
		r.mux.HandleFunc("DELETE /api/workflows/{id}", handler.HandleDelete)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Middleware chain from innermost to outermost: mux, request logging,
	// correlation, span creation, trace context extraction.
	var handler http.Handler = r.mux

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "consoled",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	payload := map[string]any{"status": "ok"}
	if r.health != nil {
		payload["summary"] = r.health.HealthSummary()
	}
	httputil.WriteJSON(w, http.StatusOK, payload)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
