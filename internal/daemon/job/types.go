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

// Package job defines the engine-level job model. Group child jobs use
// their own status type in the group package; the two are deliberately
// distinct and never converted implicitly.
package job

import (
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// Status is the engine job state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s
// to next. Terminal states absorb; paused is reachable from queued (a
// deferred backend decision) and from running. Queued may complete
// directly: a canvas of control nodes alone needs no backend work.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusFailed || next == StatusCancelled
	case StatusQueued:
		return next == StatusRunning || next == StatusPaused || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		return next == StatusQueued || next == StatusRunning || next == StatusCancelled || next == StatusFailed
	}
	return false
}

// Output locates one produced file, with the backend view URL it can be
// fetched from.
type Output struct {
	NodeID    string `json:"node_id,omitempty"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
}

// NodeExecution is one step of a job, executed on exactly one backend.
type NodeExecution struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	CanvasNodeID string         `json:"canvas_node_id"`
	BackendID    string         `json:"backend_id,omitempty"`
	Status       Status         `json:"status"`
	PromptID     string         `json:"prompt_id,omitempty"`
	Progress     float64        `json:"progress"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorTrace   string         `json:"error_trace,omitempty"`
}

// Job is one execution of a workflow canvas across one or more backends.
type Job struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id,omitempty"`
	Status         Status            `json:"status"`
	Canvas         *workflow.Canvas  `json:"canvas,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	NodeExecutions []NodeExecution   `json:"node_executions,omitempty"`
	Outputs        []Output          `json:"outputs,omitempty"`
	Progress       float64           `json:"progress"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// AggregateProgress is the fraction of completed node executions plus the
// partial progress of whichever one is running.
func (j *Job) AggregateProgress() float64 {
	if len(j.NodeExecutions) == 0 {
		return 0
	}
	var sum float64
	for _, ne := range j.NodeExecutions {
		switch ne.Status {
		case StatusCompleted:
			sum += 1
		case StatusRunning:
			sum += ne.Progress
		}
	}
	return sum / float64(len(j.NodeExecutions))
}
