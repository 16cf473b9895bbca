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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// JobEngine executes jobs. Implemented by the runner.
type JobEngine interface {
	Submit(ctx context.Context, j *job.Job) error
	Cancel(ctx context.Context, id string) error
	Decide(jobID, backendID string) error
}

// JobReader reads persisted jobs. Implemented by the sqlite store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)
}

// BackendLister exposes the configured backends. Implemented by the
// registry; submission fails fast when no enabled backend exists.
type BackendLister interface {
	List() []registry.Backend
}

// JobsHandler serves the job endpoints.
type JobsHandler struct {
	engine   JobEngine
	reader   JobReader
	backends BackendLister
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(engine JobEngine, reader JobReader, backends BackendLister) *JobsHandler {
	return &JobsHandler{engine: engine, reader: reader, backends: backends}
}

func (h *JobsHandler) anyEnabled() bool {
	if h.backends == nil {
		return true
	}
	for _, b := range h.backends.List() {
		if b.Enabled {
			return true
		}
	}
	return false
}

// submitRequest is the POST /api/job body. The work comes either as a
// canvas or as a bare workflow_id, which becomes a single-node canvas.
type submitRequest struct {
	ProjectID  string            `json:"project_id,omitempty"`
	Canvas     *workflow.Canvas  `json:"canvas,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HandleSubmit handles POST /api/job.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErr(w, &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if req.Canvas == nil {
		if req.WorkflowID == "" {
			httputil.WriteErr(w, &errors.ValidationError{Field: "canvas", Message: "canvas or workflow_id is required"})
			return
		}
		req.Canvas = &workflow.Canvas{Nodes: []workflow.CanvasNode{{ID: "main", WorkflowID: req.WorkflowID}}}
	}

	if !h.anyEnabled() {
		httputil.WriteErr(w, &errors.NoBackendError{Reason: "no enabled backend is configured"})
		return
	}

	j := &job.Job{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		Canvas:     req.Canvas,
		Parameters: req.Parameters,
		Metadata:   req.Metadata,
	}
	if err := h.engine.Submit(r.Context(), j); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, j)
}

// HandleList handles GET /api/jobs with optional status and limit query
// parameters.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var status job.Status
	if s := r.URL.Query().Get("status"); s != "" {
		status = job.Status(s)
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

	jobs, err := h.reader.ListJobs(r.Context(), status, limit)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// HandleGet handles GET /api/jobs/{id}.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	j, err := h.reader.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, j)
}

// HandleCancel handles DELETE /api/jobs/{id}. Cancellation is
// asynchronous: the response is 202 and the job lands in cancelled state
// once the in-flight prompt has been interrupted.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// decideRequest is the POST /api/jobs/{id}/backend body.
type decideRequest struct {
	BackendID string `json:"backend_id"`
}

// HandleDecide handles POST /api/jobs/{id}/backend, resolving an
// ask-user backend deferral.
func (h *JobsHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErr(w, &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if req.BackendID == "" {
		httputil.WriteErr(w, &errors.ValidationError{Field: "backend_id", Message: "backend_id is required"})
		return
	}

	if err := h.engine.Decide(r.PathValue("id"), req.BackendID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
