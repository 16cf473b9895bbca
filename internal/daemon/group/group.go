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

// Package group runs seed-variation job groups: one workflow fanned out
// K times with distinct seeds, each child dispatched independently.
// Child state is deliberately its own enum, never the engine job status.
package group

import (
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/seeds"
)

// ChildStatus is the state of one child render.
type ChildStatus string

const (
	ChildPending   ChildStatus = "pending"
	ChildRunning   ChildStatus = "running"
	ChildCompleted ChildStatus = "completed"
	ChildFailed    ChildStatus = "failed"
	ChildTimeout   ChildStatus = "timeout"
	ChildCancelled ChildStatus = "cancelled"
)

// Terminal reports whether the child status is final.
func (s ChildStatus) Terminal() bool {
	switch s {
	case ChildCompleted, ChildFailed, ChildTimeout, ChildCancelled:
		return true
	}
	return false
}

// Status is the derived state of a whole group.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusPartialComplete Status = "partial_complete"
	StatusCancelled       Status = "cancelled"
)

// Child is one seeded render of the group's workflow. Each child carries
// its own job id so API clients can address it independently of its
// position in the fan-out.
type Child struct {
	Index       int          `json:"index"`
	JobID       string       `json:"job_id"`
	Seed        int64        `json:"seed"`
	Status      ChildStatus  `json:"status"`
	BackendID   string       `json:"backend_id,omitempty"`
	PromptID    string       `json:"prompt_id,omitempty"`
	Progress    float64      `json:"progress"`
	CurrentStep string       `json:"current_step,omitempty"`
	Outputs     []job.Output `json:"outputs,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Group is one seed-variation fan-out.
type Group struct {
	ID                   string            `json:"id"`
	WorkflowID           string            `json:"workflow_id,omitempty"`
	Parameters           map[string]any    `json:"parameters,omitempty"`
	BackendIDs           []string          `json:"backend_ids,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	SeedStrategy         seeds.Strategy    `json:"seed_strategy"`
	BaseSeed             *int64            `json:"base_seed,omitempty"`
	Count                int               `json:"count"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	Status               Status            `json:"status"`
	Children             []Child           `json:"children"`
	CreatedAt            time.Time         `json:"created_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// deriveStatus folds terminal child states into the group verdict.
// Cancellation wins; otherwise all-success is completed, all-failure is
// failed, and any mix is partial_complete.
func deriveStatus(children []Child) Status {
	completed, cancelled := 0, 0
	for _, c := range children {
		switch c.Status {
		case ChildCompleted:
			completed++
		case ChildCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return StatusCancelled
	case completed == len(children):
		return StatusCompleted
	case completed == 0:
		return StatusFailed
	default:
		return StatusPartialComplete
	}
}

// Clone returns a deep copy safe to hand to subscribers and API readers.
func (g *Group) Clone() *Group {
	cp := *g
	cp.Children = make([]Child, len(g.Children))
	copy(cp.Children, g.Children)
	for i, c := range g.Children {
		cp.Children[i].Outputs = append([]job.Output(nil), c.Outputs...)
	}
	if g.Parameters != nil {
		cp.Parameters = make(map[string]any, len(g.Parameters))
		for k, v := range g.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.BackendIDs = append([]string(nil), g.BackendIDs...)
	cp.RequiredCapabilities = append([]string(nil), g.RequiredCapabilities...)
	if g.Metadata != nil {
		cp.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			cp.Metadata[k] = v
		}
	}
	if g.BaseSeed != nil {
		seed := *g.BaseSeed
		cp.BaseSeed = &seed
	}
	if g.CompletedAt != nil {
		done := *g.CompletedAt
		cp.CompletedAt = &done
	}
	return &cp
}
