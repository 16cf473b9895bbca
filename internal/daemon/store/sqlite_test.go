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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "console.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string) *job.Job {
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return &job.Job{
		ID:        id,
		ProjectID: "proj-1",
		Status:    job.StatusRunning,
		Canvas: &workflow.Canvas{
			Nodes: []workflow.CanvasNode{{ID: "n1", WorkflowID: "txt2img"}},
		},
		Parameters: map[string]any{"steps": float64(20)},
		Metadata:   map[string]string{"shot": "ep01_sh040"},
		NodeExecutions: []job.NodeExecution{{
			ID:           id + "-n1",
			JobID:        id,
			CanvasNodeID: "n1",
			BackendID:    "b1",
			Status:       job.StatusRunning,
			Progress:     0.5,
			CurrentStep:  "KSampler",
			StartedAt:    &started,
		}},
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveJob(ctx, testJob("j1")))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "proj-1", got.ProjectID)
	require.Len(t, got.NodeExecutions, 1)
	assert.Equal(t, "b1", got.NodeExecutions[0].BackendID)
	assert.Equal(t, 0.5, got.NodeExecutions[0].Progress)
	require.NotNil(t, got.StartedAt, "timestamps must survive the round trip")
	assert.True(t, got.StartedAt.Equal(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, got.Canvas)
	assert.Equal(t, "txt2img", got.Canvas.Nodes[0].WorkflowID)
	assert.Equal(t, "ep01_sh040", got.Metadata["shot"])
}

func TestSaveJobUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := testJob("j1")
	require.NoError(t, s.SaveJob(ctx, j))

	completed := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.CompletedAt = &completed
	j.Progress = 1
	require.NoError(t, s.SaveJob(ctx, j))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, float64(1), got.Progress)
	require.NotNil(t, got.CompletedAt)
}

func TestGetJobMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.GetJob(context.Background(), "nope")
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestListJobsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		j := testJob(id)
		j.CreatedAt = time.Date(2026, 8, 25, 10, i, 0, 0, time.UTC)
		require.NoError(t, s.SaveJob(ctx, j))
	}

	jobs, err := s.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[2].ID)
}

func TestListJobsFilterAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	running := testJob("r1")
	require.NoError(t, s.SaveJob(ctx, running))
	done := testJob("d1")
	done.Status = job.StatusCompleted
	require.NoError(t, s.SaveJob(ctx, done))

	jobs, err := s.ListJobs(ctx, job.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "d1", jobs[0].ID)
}

func TestDeleteJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveJob(ctx, testJob("j1")))
	require.NoError(t, s.DeleteJob(ctx, "j1"))
	assert.Error(t, s.DeleteJob(ctx, "j1"))
}

func TestTerminalTimestampsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := testJob("j1")
	completed := j.StartedAt.Add(30 * time.Second)
	j.Status = job.StatusCompleted
	j.CompletedAt = &completed
	require.NoError(t, s.SaveJob(ctx, j))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
	assert.False(t, got.StartedAt.Before(got.CreatedAt))
}

func TestMetricsAppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		status := registry.Status{
			Online:       true,
			LastSeen:     time.Date(2026, 8, 25, 10, 0, i, 0, time.UTC),
			QueueRunning: 1,
			QueuePending: i,
			GPU:          registry.GPUStatus{Name: "RTX 4090", MemoryTotal: 24 << 30, MemoryUsed: 4 << 30},
			CPUUtil:      12.5,
		}
		require.NoError(t, s.AppendMetrics(ctx, "b1", status))
	}

	rows, err := s.ListMetrics(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Status.QueueRunning, "newest snapshot first")
	assert.Equal(t, 2, rows[0].Status.QueuePending)
	assert.Equal(t, 3, rows[0].Status.QueueDepth())
	assert.Equal(t, "RTX 4090", rows[0].Status.GPU.Name)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.db")

	s1, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s1.SaveJob(context.Background(), testJob("j1")))
	require.NoError(t, s1.Close())

	// Reopen: migrations re-run from the recorded version, data survives.
	s2, err := New(Config{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
}
