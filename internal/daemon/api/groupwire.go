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
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/group"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
)

// wireEvent maps an internal group event onto its public WebSocket
// payload. The internal event carries everything the manager knows; the
// wire shapes expose only the documented fields per type.
func wireEvent(e group.Event) any {
	switch e.Type {
	case group.EventInitialState:
		if e.Group == nil {
			return e
		}
		return map[string]any{
			"type":         e.Type,
			"job_group_id": e.GroupID,
			"status":       e.Group.Status,
			"child_jobs":   wireChildJobs(e.Group),
		}
	case group.EventGroupComplete:
		if e.Group == nil {
			return e
		}
		return wireGroupComplete(e)
	case group.EventChildProgress:
		return map[string]any{
			"type":         e.Type,
			"job_id":       e.JobID,
			"backend_id":   e.BackendID,
			"progress":     e.Progress,
			"current_step": e.CurrentStep,
		}
	case group.EventChildCompleted:
		return map[string]any{
			"type":         e.Type,
			"job_id":       e.JobID,
			"backend_id":   e.BackendID,
			"seed":         e.Seed,
			"outputs":      wireOutputs(e.Outputs, e.PromptID),
			"completed_at": e.CompletedAt,
		}
	case group.EventChildFailed:
		return map[string]any{
			"type":       e.Type,
			"job_id":     e.JobID,
			"backend_id": e.BackendID,
			"error":      e.Error,
			"error_type": e.ErrorType,
		}
	case group.EventChildTimeout:
		return map[string]any{
			"type":            e.Type,
			"job_id":          e.JobID,
			"backend_id":      e.BackendID,
			"timeout_seconds": e.TimeoutSeconds,
		}
	case group.EventChildCancelled:
		return map[string]any{
			"type":       e.Type,
			"job_id":     e.JobID,
			"backend_id": e.BackendID,
		}
	default:
		return e
	}
}

func wireGroupComplete(e group.Event) map[string]any {
	succeeded, failed := 0, 0
	results := make([]map[string]any, 0, len(e.Group.Children))
	for _, c := range e.Group.Children {
		if c.Status == group.ChildCompleted {
			succeeded++
		} else {
			failed++
		}
		results = append(results, map[string]any{
			"job_id":  c.JobID,
			"status":  c.Status,
			"outputs": c.Outputs,
			"error":   c.Error,
		})
	}
	return map[string]any{
		"type":         e.Type,
		"job_group_id": e.GroupID,
		"status":       e.Group.Status,
		"total":        len(e.Group.Children),
		"succeeded":    succeeded,
		"failed":       failed,
		"results":      results,
	}
}

// wireChildJobs is the child_jobs array shared by the creation response
// and the initial_state snapshot.
func wireChildJobs(g *group.Group) []map[string]any {
	children := make([]map[string]any, 0, len(g.Children))
	for _, c := range g.Children {
		children = append(children, map[string]any{
			"job_id":     c.JobID,
			"backend_id": c.BackendID,
			"seed":       c.Seed,
			"status":     c.Status,
			"progress":   c.Progress,
		})
	}
	return children
}

func wireOutputs(outputs []job.Output, promptID string) map[string]any {
	images := make([]map[string]string, 0, len(outputs))
	for _, o := range outputs {
		images = append(images, map[string]string{
			"filename":  o.Filename,
			"subfolder": o.Subfolder,
			"type":      o.Type,
			"url":       o.URL,
		})
	}
	return map[string]any{"images": images, "prompt_id": promptID}
}

// groupCounts tallies children into the three coarse states clients sum
// against the total.
func groupCounts(g *group.Group) map[string]int {
	counts := map[string]int{
		"total":     len(g.Children),
		"completed": 0,
		"failed":    0,
		"running":   0,
	}
	for _, c := range g.Children {
		switch {
		case c.Status == group.ChildCompleted:
			counts["completed"]++
		case c.Status.Terminal():
			counts["failed"]++
		default:
			counts["running"]++
		}
	}
	return counts
}
