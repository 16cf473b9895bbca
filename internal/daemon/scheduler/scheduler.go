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

// Package scheduler implements backend selection. Selection is a pure
// function over a snapshot of backend configs and statuses: no I/O, no
// clock, stable for identical input.
package scheduler

import (
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// Fallback controls what happens when a node's preferred backend is not
// usable.
type Fallback string

const (
	// FallbackNone fails the selection.
	FallbackNone Fallback = "none"
	// FallbackAskUser returns no backend and no error; the caller decides.
	FallbackAskUser Fallback = "ask-user"
	// FallbackAuto runs the normal selection policy.
	FallbackAuto Fallback = "auto"
)

// SelectorEnv is the expression environment a request selector is
// evaluated against, one backend at a time.
type SelectorEnv struct {
	ID            string   `expr:"id"`
	Tags          []string `expr:"tags"`
	Capabilities  []string `expr:"capabilities"`
	QueueDepth    int      `expr:"queue_depth"`
	GPUMemoryFree uint64   `expr:"gpu_memory_free"`
	GPUUtil       float64  `expr:"gpu_util"`
	CPUUtil       float64  `expr:"cpu_util"`
}

// CompileSelector compiles a request selector expression. Selectors must
// evaluate to a boolean.
func CompileSelector(src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(SelectorEnv{}), expr.AsBool())
	if err != nil {
		return nil, &errors.ValidationError{Field: "selector", Message: err.Error()}
	}
	return program, nil
}

// Select returns the best usable backend for the required capabilities,
// or a NoBackendError when none qualifies.
//
// A backend is a candidate iff it is enabled, online, and declares a
// superset of the required capabilities. Candidates are ordered ascending
// by (queue depth, -free GPU memory); ties break by registration order,
// so selection is stable across calls for a fixed snapshot.
func Select(snaps []registry.Snapshot, required []string) (registry.Backend, error) {
	return SelectFiltered(snaps, required, nil)
}

// SelectFiltered is Select with an optional compiled selector expression
// applied as an additional candidate filter.
func SelectFiltered(snaps []registry.Snapshot, required []string, selector *vm.Program) (registry.Backend, error) {
	candidates := make([]registry.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if !usable(s, required) {
			continue
		}
		if selector != nil {
			keep, err := runSelector(selector, s)
			if err != nil {
				return registry.Backend{}, err
			}
			if !keep {
				continue
			}
		}
		candidates = append(candidates, s)
	}

	if len(candidates) == 0 {
		return registry.Backend{}, &errors.NoBackendError{
			Required: required,
			Reason:   "no enabled online backend matches",
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := candidates[i].Status.QueueDepth(), candidates[j].Status.QueueDepth()
		if di != dj {
			return di < dj
		}
		fi, fj := candidates[i].Status.GPU.MemoryFree(), candidates[j].Status.GPU.MemoryFree()
		if fi != fj {
			return fi > fj
		}
		return candidates[i].Order < candidates[j].Order
	})

	return candidates[0].Backend, nil
}

// SelectWithAffinity honors a canvas node's preferred backend. When the
// preferred backend is usable it wins outright. Otherwise the fallback
// strategy decides: none fails, ask-user returns (nil, nil) so the caller
// can defer the decision, auto runs the normal policy.
//
// The returned pointer is nil only for the ask-user case.
func SelectWithAffinity(snaps []registry.Snapshot, required []string, preferred string, fallback Fallback) (*registry.Backend, error) {
	if preferred == "" {
		b, err := Select(snaps, required)
		if err != nil {
			return nil, err
		}
		return &b, nil
	}

	for _, s := range snaps {
		if s.Backend.ID != preferred {
			continue
		}
		if usable(s, required) {
			b := s.Backend
			return &b, nil
		}
		break
	}

	switch fallback {
	case FallbackAuto:
		b, err := Select(snaps, required)
		if err != nil {
			return nil, err
		}
		return &b, nil
	case FallbackAskUser:
		return nil, nil
	default:
		return nil, &errors.NoBackendError{
			Required: required,
			Reason:   "preferred backend " + preferred + " is not usable",
		}
	}
}

func usable(s registry.Snapshot, required []string) bool {
	return s.Backend.Enabled && s.Status.Online && s.Backend.HasCapabilities(required)
}

func runSelector(program *vm.Program, s registry.Snapshot) (bool, error) {
	out, err := expr.Run(program, SelectorEnv{
		ID:            s.Backend.ID,
		Tags:          s.Backend.Tags,
		Capabilities:  s.Backend.Capabilities,
		QueueDepth:    s.Status.QueueDepth(),
		GPUMemoryFree: s.Status.GPU.MemoryFree(),
		GPUUtil:       s.Status.GPU.Utilization,
		CPUUtil:       s.Status.CPUUtil,
	})
	if err != nil {
		return false, &errors.ValidationError{Field: "selector", Message: err.Error()}
	}
	keep, _ := out.(bool)
	return keep, nil
}
