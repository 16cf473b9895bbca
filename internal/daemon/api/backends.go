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

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/store"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// BackendSource exposes backend configuration plus live status.
// Implemented by the registry.
type BackendSource interface {
	SnapshotAll() []registry.Snapshot
	Get(id string) (registry.Backend, error)
	GetStatus(id string) (registry.Status, error)
}

// MetricsHistory reads stored metrics snapshots. Implemented by the
// sqlite store.
type MetricsHistory interface {
	ListMetrics(ctx context.Context, backendID string, limit int) ([]store.MetricsRow, error)
}

// BackendsHandler serves the backend endpoints.
type BackendsHandler struct {
	source  BackendSource
	history MetricsHistory
}

// NewBackendsHandler creates a backends handler.
func NewBackendsHandler(source BackendSource, history MetricsHistory) *BackendsHandler {
	return &BackendsHandler{source: source, history: history}
}

// backendView is one backend with its latest observed status.
type backendView struct {
	Backend registry.Backend `json:"backend"`
	Status  registry.Status  `json:"status"`
}

// HandleList handles GET /api/backends.
func (h *BackendsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snapshots := h.source.SnapshotAll()
	views := make([]backendView, len(snapshots))
	for i, s := range snapshots {
		views[i] = backendView{Backend: s.Backend, Status: s.Status}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"backends": views})
}

// HandleGet handles GET /api/backends/{id}.
func (h *BackendsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	backend, err := h.source.Get(id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	status, err := h.source.GetStatus(id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, backendView{Backend: backend, Status: status})
}

// HandleStatus handles GET /api/backends/{id}/status, returning only the
// latest observed status.
func (h *BackendsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.source.GetStatus(id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"backend_id": id,
		"status":     status,
	})
}

// HandleMetricsHistory handles GET /api/backends/{id}/metrics, returning
// stored snapshots newest-first. The limit query parameter caps the
// result; the store applies its own default when it is absent.
func (h *BackendsHandler) HandleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.source.Get(id); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			httputil.WriteErr(w, &errors.ValidationError{Field: "limit", Message: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	rows, err := h.history.ListMetrics(r.Context(), id, limit)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"backend_id": id,
		"metrics":    rows,
	})
}
