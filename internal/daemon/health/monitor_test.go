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

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
)

type stubClient struct {
	healthy bool
	stats   *comfy.SystemStats
	queue   *comfy.QueueStatus
	agent   *comfy.AgentMetrics
	err     error
}

func (s *stubClient) HealthCheck(context.Context) bool { return s.healthy }

func (s *stubClient) GetSystemStats(context.Context) (*comfy.SystemStats, error) {
	return s.stats, s.err
}

func (s *stubClient) GetQueueStatus(context.Context) (*comfy.QueueStatus, error) {
	return s.queue, s.err
}

func (s *stubClient) GetMetricsAgent(context.Context) (*comfy.AgentMetrics, error) {
	return s.agent, nil
}

func (s *stubClient) Close() error { return nil }

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSink) AppendMetrics(_ context.Context, backendID string, _ registry.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, backendID)
	return nil
}

type staticPush struct {
	push Push
	ok   bool
}

func (s staticPush) Latest(string) (Push, bool) { return s.push, s.ok }

func testRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, id := range ids {
		require.NoError(t, reg.Register(registry.Backend{ID: id, Host: "gpu", Port: 8188, Enabled: true}))
	}
	return reg
}

func TestPollOnceMarksOnline(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{healthy: true}
	}

	m := NewMonitor(MonitorConfig{}, reg, clients, nil, nil, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.False(t, status.LastSeen.IsZero())
}

func TestPollOnceMarksOffline(t *testing.T) {
	reg := testRegistry(t, "b1")
	require.NoError(t, reg.UpdateStatus("b1", registry.Status{Online: true, LastSeen: time.Now()}))

	clients := func(registry.Backend) BackendClient {
		return &stubClient{healthy: false}
	}

	m := NewMonitor(MonitorConfig{}, reg, clients, nil, nil, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.False(t, status.Online)
}

func TestPollOnceFullMetricsMerge(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{
			healthy: true,
			stats: &comfy.SystemStats{
				RAMTotal: 32 << 30,
				RAMFree:  16 << 30,
				Devices:  []comfy.Device{{Name: "RTX 4090", VRAMTotal: 24 << 30, VRAMFree: 20 << 30}},
			},
			queue: &comfy.QueueStatus{Running: 1, Pending: 3},
		}
	}

	m := NewMonitor(MonitorConfig{FullMetrics: true}, reg, clients, nil, nil, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, 4, status.QueueDepth())
	assert.Equal(t, "RTX 4090", status.GPU.Name)
	assert.Equal(t, uint64(4)<<30, status.GPU.MemoryUsed, "used VRAM derived from total minus free")
	assert.Equal(t, uint64(16)<<30, status.RAMUsed)
}

func TestAgentOutranksStatsAndPush(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{
			healthy: true,
			stats: &comfy.SystemStats{
				Devices: []comfy.Device{{Name: "RTX 4090", VRAMTotal: 24 << 30, VRAMFree: 20 << 30}},
			},
			queue: &comfy.QueueStatus{},
			agent: &comfy.AgentMetrics{
				CPUPercent: 55,
				GPUPercent: 91,
				GPUTemp:    70,
				VRAMTotal:  24 << 30,
				VRAMUsed:   12 << 30,
			},
		}
	}
	push := staticPush{
		push: Push{GPUPercent: 40, VRAMUsed: 2 << 30, ReceivedAt: time.Now()},
		ok:   true,
	}

	m := NewMonitor(MonitorConfig{FullMetrics: true}, reg, clients, nil, push, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.Equal(t, 91.0, status.GPU.Utilization)
	assert.Equal(t, uint64(12)<<30, status.GPU.MemoryUsed)
	assert.Equal(t, 55.0, status.CPUUtil)
}

func TestPushOutranksStats(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{
			healthy: true,
			stats: &comfy.SystemStats{
				Devices: []comfy.Device{{Name: "RTX 4090", VRAMTotal: 24 << 30, VRAMFree: 20 << 30}},
			},
			queue: &comfy.QueueStatus{Running: 2},
		}
	}
	push := staticPush{
		push: Push{GPUPercent: 40, VRAMUsed: 8 << 30, ReceivedAt: time.Now()},
		ok:   true,
	}

	m := NewMonitor(MonitorConfig{FullMetrics: true}, reg, clients, nil, push, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, status.GPU.Utilization)
	assert.Equal(t, uint64(8)<<30, status.GPU.MemoryUsed)
	assert.Equal(t, 2, status.QueueRunning, "queue depth stays REST-owned")
}

func TestMetricsFailureMarksOffline(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{healthy: true, err: context.DeadlineExceeded}
	}

	m := NewMonitor(MonitorConfig{FullMetrics: true}, reg, clients, nil, nil, nil)
	m.PollOnce(context.Background())

	status, err := reg.GetStatus("b1")
	require.NoError(t, err)
	assert.False(t, status.Online)
}

func TestFailureIsolatedPerBackend(t *testing.T) {
	reg := testRegistry(t, "up", "down")
	clients := func(b registry.Backend) BackendClient {
		return &stubClient{healthy: b.ID == "up"}
	}

	m := NewMonitor(MonitorConfig{}, reg, clients, nil, nil, nil)
	m.PollOnce(context.Background())

	up, err := reg.GetStatus("up")
	require.NoError(t, err)
	down, err := reg.GetStatus("down")
	require.NoError(t, err)
	assert.True(t, up.Online)
	assert.False(t, down.Online)
}

func TestSweepRecordsSnapshots(t *testing.T) {
	reg := testRegistry(t, "b1", "b2")
	sink := &recordingSink{}
	clients := func(registry.Backend) BackendClient {
		return &stubClient{healthy: true}
	}

	m := NewMonitor(MonitorConfig{}, reg, clients, sink, nil, nil)
	m.PollOnce(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.ElementsMatch(t, []string{"b1", "b2"}, sink.calls)
}

func TestRunLoopStops(t *testing.T) {
	reg := testRegistry(t, "b1")
	clients := func(registry.Backend) BackendClient {
		return &stubClient{healthy: true}
	}

	m := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond}, reg, clients, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		m.RunLoop(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}
