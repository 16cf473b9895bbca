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
	"log/slog"
	"net/http"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/group"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// GroupEvents is one live event feed, as handed out by Subscribe.
// Satisfied by *group.Subscription.
type GroupEvents interface {
	Events() <-chan group.Event
}

// GroupService runs batched render groups. Implemented by the group
// manager through a small adapter for the Subscribe return type.
type GroupService interface {
	Create(ctx context.Context, req group.CreateRequest) (*group.Group, error)
	Get(id string) (*group.Group, error)
	List() []*group.Group
	Cancel(id string) error
	Subscribe(id string) (GroupEvents, error)
	Unsubscribe(id string, sub GroupEvents)
}

// ManagerService adapts *group.Manager to GroupService.
type ManagerService struct {
	*group.Manager
}

// Subscribe opens an event feed for one group.
func (s ManagerService) Subscribe(id string) (GroupEvents, error) {
	sub, err := s.Manager.Subscribe(id)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe closes an event feed opened by Subscribe.
func (s ManagerService) Unsubscribe(id string, sub GroupEvents) {
	if real, ok := sub.(*group.Subscription); ok {
		s.Manager.Unsubscribe(id, real)
	}
}

// GroupsHandler serves the job group endpoints.
type GroupsHandler struct {
	service GroupService
	logger  *slog.Logger
}

// NewGroupsHandler creates a groups handler.
func NewGroupsHandler(service GroupService, logger *slog.Logger) *GroupsHandler {
	return &GroupsHandler{service: service, logger: logger}
}

// HandleCreate handles POST /api/job-group.
func (h *GroupsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req group.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErr(w, &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}

	g, err := h.service.Create(r.Context(), req)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"job_group_id": g.ID,
		"status":       g.Status,
		"child_jobs":   wireChildJobs(g),
		"created_at":   g.CreatedAt,
	})
}

// HandleList handles GET /api/job-groups.
func (h *GroupsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"groups": h.service.List()})
}

// HandleGet handles GET /api/job-groups/{id}: the full group plus child
// counts.
func (h *GroupsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	g, err := h.service.Get(r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"group":  g,
		"counts": groupCounts(g),
	})
}

// HandleCancel handles DELETE /api/job-groups/{id}. Child counts at the
// moment of cancellation travel in the body.
func (h *GroupsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Cancel(id); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	payload := map[string]any{
		"id":     id,
		"status": "cancelling",
	}
	if g, err := h.service.Get(id); err == nil {
		payload["counts"] = groupCounts(g)
	}
	httputil.WriteJSON(w, http.StatusAccepted, payload)
}
