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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(id string) Backend {
	return Backend{
		ID:                id,
		Name:              id,
		Host:              "127.0.0.1",
		Port:              8188,
		Enabled:           true,
		Capabilities:      []string{"sdxl"},
		MaxConcurrentJobs: 1,
	}
}

func TestRegisterMaterializesOfflineStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))

	status, err := r.GetStatus("b1")
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.False(t, status.LastSeen.IsZero())
}

func TestRegisterReloadKeepsStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))
	require.NoError(t, r.UpdateStatus("b1", Status{Online: true, QueuePending: 3}))

	b := testBackend("b1")
	b.Name = "renamed"
	require.NoError(t, r.Register(b))

	got, err := r.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	status, err := r.GetStatus("b1")
	require.NoError(t, err)
	assert.True(t, status.Online, "reload must not reset observed status")
}

func TestOfflineStatusClearsCurrentJob(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))
	require.NoError(t, r.SetCurrentJob("b1", "job-1"))
	require.NoError(t, r.UpdateStatus("b1", Status{Online: false, CurrentJobID: "job-1"}))

	status, err := r.GetStatus("b1")
	require.NoError(t, err)
	assert.Empty(t, status.CurrentJobID, "offline backend must not report a current job")
}

func TestGetOnline(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))
	require.NoError(t, r.Register(testBackend("b2")))
	disabled := testBackend("b3")
	disabled.Enabled = false
	require.NoError(t, r.Register(disabled))

	require.NoError(t, r.UpdateStatus("b1", Status{Online: true}))
	require.NoError(t, r.UpdateStatus("b3", Status{Online: true}))

	online := r.GetOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "b1", online[0].ID)
}

func TestGetByCapability(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))
	video := testBackend("b2")
	video.Capabilities = []string{"sdxl", "video"}
	require.NoError(t, r.Register(video))

	got := r.GetByCapability("video")
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].ID)
}

func TestSlotAccounting(t *testing.T) {
	r := New()
	b := testBackend("b1")
	b.MaxConcurrentJobs = 2
	require.NoError(t, r.Register(b))

	require.NoError(t, r.AcquireSlot("b1"))
	require.NoError(t, r.AcquireSlot("b1"))
	assert.Error(t, r.AcquireSlot("b1"), "third acquire must fail at max_concurrent_jobs=2")

	r.ReleaseSlot("b1")
	assert.NoError(t, r.AcquireSlot("b1"))

	// Double release must not underflow.
	r.ReleaseSlot("b1")
	r.ReleaseSlot("b1")
	r.ReleaseSlot("b1")
	require.NoError(t, r.AcquireSlot("b1"))
}

func TestRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testBackend("b1")))
	require.NoError(t, r.Remove("b1"))

	_, err := r.Get("b1")
	assert.Error(t, err)
	assert.Error(t, r.Remove("b1"))
}

func TestSnapshotAllStableOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(testBackend(id)))
	}

	snaps := r.SnapshotAll()
	require.Len(t, snaps, 3)
	assert.Equal(t, "c", snaps[0].Backend.ID, "snapshots follow registration order")
	assert.Equal(t, "a", snaps[1].Backend.ID)
	assert.Equal(t, "b", snaps[2].Backend.ID)
}
