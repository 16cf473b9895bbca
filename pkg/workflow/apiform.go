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

package workflow

import (
	"strings"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// DefaultSeedFields maps sampler class names to their canonical seed
// input. Classes not listed fall back to an input literally named "seed".
// The daemon config may extend this table.
var DefaultSeedFields = map[string]string{
	"KSampler":              "seed",
	"KSamplerAdvanced":      "noise_seed",
	"SamplerCustom":         "noise_seed",
	"SamplerCustomAdvanced": "noise_seed",
	"RandomNoise":           "noise_seed",
}

// Clone returns a deep copy of the API form. Node input maps are copied
// one level deep; nested values are JSON scalars or connection slices and
// are never mutated in place by patching.
func (f APIForm) Clone() APIForm {
	out := make(APIForm, len(f))
	for id, node := range f {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		out[id] = APINode{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// BuildAPIForm materializes the submittable workflow for one execution:
// the stored API form with caller parameter overrides applied and
// bypassed nodes stripped.
//
// Override resolution, per exposed parameter: the caller value keyed by
// the parameter id, else by its field name, else the declared default.
// Caller keys of the form "<node-id>:<field-name>" patch directly into
// that node's inputs, but only when the field already exists.
func BuildAPIForm(def *Definition, params map[string]any) (APIForm, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	form := def.APIFormat.Clone()

	for _, p := range def.ExposedParameters {
		value, ok := resolveParam(p, params)
		if !ok {
			continue
		}
		node, exists := form[p.NodeID]
		if !exists {
			return nil, &errors.ValidationError{
				Field:   "exposed_parameters",
				Message: "parameter " + p.ID + " references unknown node " + p.NodeID,
			}
		}
		node.Inputs[p.FieldName] = value
	}

	// Direct node:field overrides. The existence check keeps callers from
	// growing arbitrary inputs on a node.
	for key, value := range params {
		nodeID, field, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		node, exists := form[nodeID]
		if !exists {
			continue
		}
		if _, exists := node.Inputs[field]; exists {
			node.Inputs[field] = value
		}
	}

	stripBypassed(form, def.BypassedNodes)
	return form, nil
}

// resolveParam picks the effective value for an exposed parameter.
func resolveParam(p ExposedParameter, params map[string]any) (any, bool) {
	if v, ok := params[p.ID]; ok {
		return v, true
	}
	if v, ok := params[p.FieldName]; ok {
		return v, true
	}
	if p.Default != nil {
		return p.Default, true
	}
	return nil, false
}

// stripBypassed removes bypassed nodes and any references to them from
// other nodes' connection inputs. A connection reference is a two-element
// array [node-id, output-index].
func stripBypassed(form APIForm, bypassed []string) {
	if len(bypassed) == 0 {
		return
	}
	gone := make(map[string]bool, len(bypassed))
	for _, id := range bypassed {
		gone[id] = true
		delete(form, id)
	}

	for _, node := range form {
		for field, value := range node.Inputs {
			ref, ok := value.([]any)
			if !ok || len(ref) != 2 {
				continue
			}
			src, ok := ref[0].(string)
			if ok && gone[src] {
				delete(node.Inputs, field)
			}
		}
	}
}

// InjectSeed writes seed into every sampler-style seed input of the form.
// The canonical field per class comes from seedFields (falling back to
// DefaultSeedFields); any input literally named "seed" is also covered.
// Returns an error when the workflow has no seed field at all.
func InjectSeed(form APIForm, seed int64, seedFields map[string]string) error {
	injected := false
	for _, node := range form {
		field := seedFieldFor(node.ClassType, seedFields)
		if _, ok := node.Inputs[field]; ok {
			node.Inputs[field] = seed
			injected = true
			continue
		}
		if _, ok := node.Inputs["seed"]; ok {
			node.Inputs["seed"] = seed
			injected = true
		}
	}
	if !injected {
		return &errors.ValidationError{
			Field:   "workflow_json",
			Message: "workflow has no seed field to vary",
		}
	}
	return nil
}

func seedFieldFor(classType string, seedFields map[string]string) string {
	if seedFields != nil {
		if f, ok := seedFields[classType]; ok {
			return f
		}
	}
	if f, ok := DefaultSeedFields[classType]; ok {
		return f
	}
	return "seed"
}
