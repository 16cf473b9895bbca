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

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

func snap(id string, order int, online bool, caps []string, depth int, vramFree uint64) registry.Snapshot {
	return registry.Snapshot{
		Backend: registry.Backend{
			ID:           id,
			Enabled:      true,
			Capabilities: caps,
		},
		Status: registry.Status{
			Online:       online,
			QueuePending: depth,
			GPU:          registry.GPUStatus{MemoryTotal: vramFree, MemoryUsed: 0},
		},
		Order: order,
	}
}

func TestSelectPrefersShortestQueue(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("busy", 0, true, nil, 3, 8<<30),
		snap("idle", 1, true, nil, 0, 8<<30),
	}

	b, err := Select(snaps, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", b.ID)
}

func TestSelectBreaksTiesByFreeVRAM(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("small", 0, true, nil, 0, 8<<30),
		snap("big", 1, true, nil, 0, 24<<30),
	}

	b, err := Select(snaps, nil)
	require.NoError(t, err)
	assert.Equal(t, "big", b.ID)
}

func TestSelectStableByRegistrationOrder(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("first", 0, true, nil, 1, 8<<30),
		snap("second", 1, true, nil, 1, 8<<30),
	}

	for i := 0; i < 10; i++ {
		b, err := Select(snaps, nil)
		require.NoError(t, err)
		assert.Equal(t, "first", b.ID, "selection must be idempotent for a fixed snapshot")
	}
}

func TestSelectFiltersCapabilities(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("image", 0, true, []string{"sdxl"}, 0, 24<<30),
		snap("video", 1, true, []string{"sdxl", "video"}, 5, 8<<30),
	}

	b, err := Select(snaps, []string{"video"})
	require.NoError(t, err)
	assert.Equal(t, "video", b.ID)
}

func TestSelectSkipsOfflineAndDisabled(t *testing.T) {
	offline := snap("offline", 0, false, nil, 0, 24<<30)
	disabled := snap("disabled", 1, true, nil, 0, 24<<30)
	disabled.Backend.Enabled = false

	_, err := Select([]registry.Snapshot{offline, disabled}, nil)
	var nb *errors.NoBackendError
	require.True(t, errors.As(err, &nb))
}

func TestSelectWithAffinityPreferredWins(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("a", 0, true, nil, 0, 24<<30),
		snap("pinned", 1, true, nil, 9, 1<<30),
	}

	b, err := SelectWithAffinity(snaps, nil, "pinned", FallbackAuto)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "pinned", b.ID, "usable preferred backend wins regardless of load")
}

func TestSelectWithAffinityFallbackAuto(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("a", 0, true, nil, 0, 24<<30),
		snap("pinned", 1, false, nil, 0, 1<<30),
	}

	b, err := SelectWithAffinity(snaps, nil, "pinned", FallbackAuto)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "a", b.ID)
}

func TestSelectWithAffinityFallbackNone(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("a", 0, true, nil, 0, 24<<30),
	}

	_, err := SelectWithAffinity(snaps, nil, "missing", FallbackNone)
	var nb *errors.NoBackendError
	assert.True(t, errors.As(err, &nb))
}

func TestSelectWithAffinityAskUser(t *testing.T) {
	snaps := []registry.Snapshot{
		snap("a", 0, true, nil, 0, 24<<30),
	}

	b, err := SelectWithAffinity(snaps, nil, "missing", FallbackAskUser)
	require.NoError(t, err)
	assert.Nil(t, b, "ask-user returns no backend so the caller decides")
}

func TestSelectorExpression(t *testing.T) {
	program, err := CompileSelector(`gpu_memory_free > 16000000000 && queue_depth == 0`)
	require.NoError(t, err)

	snaps := []registry.Snapshot{
		snap("small", 0, true, nil, 0, 8<<30),
		snap("big", 1, true, nil, 0, 24<<30),
	}

	b, err := SelectFiltered(snaps, nil, program)
	require.NoError(t, err)
	assert.Equal(t, "big", b.ID)
}

func TestSelectorCompileError(t *testing.T) {
	_, err := CompileSelector(`queue_depth ==`)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}
