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

package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal())
		for _, next := range []Status{StatusPending, StatusQueued, StatusRunning, StatusPaused, StatusCompleted} {
			assert.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusQueued))
	assert.True(t, StatusQueued.CanTransition(StatusRunning))
	assert.True(t, StatusQueued.CanTransition(StatusPaused))
	assert.True(t, StatusQueued.CanTransition(StatusCompleted), "control-only canvases complete without running")
	assert.True(t, StatusRunning.CanTransition(StatusCompleted))
	assert.True(t, StatusPaused.CanTransition(StatusRunning))
	assert.True(t, StatusPaused.CanTransition(StatusQueued))

	assert.False(t, StatusPending.CanTransition(StatusRunning), "pending must queue first")
	assert.False(t, StatusPending.CanTransition(StatusPaused))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))
}

func TestAggregateProgress(t *testing.T) {
	j := &Job{NodeExecutions: []NodeExecution{
		{Status: StatusCompleted},
		{Status: StatusRunning, Progress: 0.5},
		{Status: StatusPending},
		{Status: StatusPending},
	}}
	assert.InDelta(t, 0.375, j.AggregateProgress(), 1e-9)

	empty := &Job{}
	assert.Equal(t, float64(0), empty.AggregateProgress())
}
