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
	"encoding/json"
	"net/http"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// WorkflowStore persists workflow definitions. Implemented by the file
// store.
type WorkflowStore interface {
	Save(def *workflow.Definition) error
	Load(id string) (*workflow.Definition, error)
	List() ([]*workflow.Definition, error)
	Delete(id string) error
}

// WorkflowsHandler serves the workflow definition endpoints.
type WorkflowsHandler struct {
	store WorkflowStore
}

// NewWorkflowsHandler creates a workflows handler.
func NewWorkflowsHandler(store WorkflowStore) *WorkflowsHandler {
	return &WorkflowsHandler{store: store}
}

// HandleList handles GET /api/workflows.
func (h *WorkflowsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.List()
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

// HandleSave handles POST /api/workflows.
func (h *WorkflowsHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}
	if err := h.store.Save(def); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, def)
}

// HandleGet handles GET /api/workflows/{id}.
func (h *WorkflowsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.Load(r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

// HandleUpdate handles PUT /api/workflows/{id}. The path id wins over
// any id in the body; the definition must already exist.
func (h *WorkflowsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Load(id); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}
	def.ID = id
	if err := h.store.Save(def); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

// HandleDelete handles DELETE /api/workflows/{id}.
func (h *WorkflowsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.PathValue("id")); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeDefinition(w http.ResponseWriter, r *http.Request) (*workflow.Definition, bool) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		httputil.WriteErr(w, &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return nil, false
	}
	return &def, true
}
