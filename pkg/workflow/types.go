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

// Package workflow defines workflow definitions, their submittable API
// form, parameter patching, and the file-backed definition store.
package workflow

import (
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// ParamType enumerates the kinds of exposed parameters.
type ParamType string

const (
	ParamInt       ParamType = "int"
	ParamFloat     ParamType = "float"
	ParamString    ParamType = "string"
	ParamBool      ParamType = "bool"
	ParamChoice    ParamType = "choice"
	ParamMultiline ParamType = "multiline"
	ParamImagePath ParamType = "image-path"
	ParamVideoPath ParamType = "video-path"
	ParamSeed      ParamType = "seed"
	ParamPrompt    ParamType = "prompt"
)

// Constraints bounds the values an exposed parameter accepts.
type Constraints struct {
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	Step           *float64 `json:"step,omitempty"`
	Choices        []string `json:"choices,omitempty"`
	FileExtensions []string `json:"file_extensions,omitempty"`
}

// ExposedParameter is a user-overridable field of a workflow, identified
// by (node-id, field-name) with an id, display metadata, and constraints.
type ExposedParameter struct {
	ID          string       `json:"id"`
	NodeID      string       `json:"node_id"`
	FieldName   string       `json:"field_name"`
	DisplayName string       `json:"display_name,omitempty"`
	Type        ParamType    `json:"type"`
	Default     any          `json:"default,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// APINode is one node of the flat, directly-submittable workflow form.
type APINode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// APIForm is the flat node-id -> node mapping a backend accepts.
type APIForm map[string]APINode

// MediaInput declares a media file a workflow consumes.
type MediaInput struct {
	ID         string   `json:"id"`
	NodeID     string   `json:"node_id"`
	FieldName  string   `json:"field_name"`
	Kind       string   `json:"kind"` // image or video
	Extensions []string `json:"extensions,omitempty"`
}

// OutputDecl declares an output-producing node.
type OutputDecl struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"` // image or video
}

// CanvasNode is one node on the multi-workflow canvas.
type CanvasNode struct {
	ID string `json:"id"`

	// Type distinguishes ordinary workflow nodes from control nodes such
	// as "execute" sinks.
	Type string `json:"type,omitempty"`

	Title string `json:"title,omitempty"`

	// WorkflowID references the stored definition this node runs.
	WorkflowID string `json:"workflow_id,omitempty"`

	// PreferredBackend pins the node to a specific backend.
	PreferredBackend string `json:"preferred_backend,omitempty"`

	// FallbackStrategy applies when the preferred backend is unusable:
	// "none" fails, "ask-user" defers the decision, "auto" falls back to
	// normal selection.
	FallbackStrategy string `json:"fallback_strategy,omitempty"`

	// Parameters are node-local parameter overrides.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Connection is a directed edge between two canvas nodes.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Viewport is the canvas view state. Opaque to the scheduler.
type Viewport struct {
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	Zoom float64 `json:"zoom,omitempty"`
}

// Canvas is a multi-node workflow graph.
type Canvas struct {
	Nodes       []CanvasNode `json:"nodes"`
	Connections []Connection `json:"connections"`
	Viewport    *Viewport    `json:"viewport,omitempty"`
}

// Definition is a stored workflow: the renderer-native graph, its
// submittable API form, and the parameters exposed to callers.
type Definition struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Graph is the renderer-native workflow graph, kept verbatim.
	Graph map[string]any `json:"graph,omitempty"`

	// APIFormat is the flat submittable form of Graph.
	APIFormat APIForm `json:"api_format"`

	ExposedParameters    []ExposedParameter `json:"exposed_parameters,omitempty"`
	MediaInputs          []MediaInput       `json:"media_inputs,omitempty"`
	Outputs              []OutputDecl       `json:"outputs,omitempty"`
	RequiredCapabilities []string           `json:"required_capabilities,omitempty"`
	BypassedNodes        []string           `json:"bypassed_nodes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of a definition: parameter ids
// are unique and so are (node-id, field-name) pairs.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(d.APIFormat) == 0 {
		return &errors.ValidationError{Field: "api_format", Message: "workflow has no API form"}
	}

	ids := make(map[string]bool, len(d.ExposedParameters))
	fields := make(map[[2]string]bool, len(d.ExposedParameters))
	for _, p := range d.ExposedParameters {
		if p.ID == "" {
			return &errors.ValidationError{Field: "exposed_parameters", Message: "parameter id is required"}
		}
		if ids[p.ID] {
			return &errors.ValidationError{Field: "exposed_parameters", Message: "duplicate parameter id: " + p.ID}
		}
		ids[p.ID] = true

		key := [2]string{p.NodeID, p.FieldName}
		if fields[key] {
			return &errors.ValidationError{
				Field:   "exposed_parameters",
				Message: "duplicate parameter binding: " + p.NodeID + ":" + p.FieldName,
			}
		}
		fields[key] = true
	}
	return nil
}
