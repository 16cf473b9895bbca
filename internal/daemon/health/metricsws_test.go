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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
)

// metricsServer upgrades /metrics/ws and pushes the given frames.
func metricsServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		conn.ReadMessage() // hold open until the client closes
	}))
}

func wsBackend(t *testing.T, srv *httptest.Server) registry.Backend {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return registry.Backend{ID: "b1", Host: u.Hostname(), Port: port, Enabled: true}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWSManagerMergesPush(t *testing.T) {
	srv := metricsServer(t, []string{
		`{"gpu_percent":87.5,"gpu_temp":66,"vram_used":9000,"cpu_percent":20}`,
	})
	defer srv.Close()

	b := wsBackend(t, srv)
	reg := registry.New()
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.UpdateStatus(b.ID, registry.Status{
		Online:       true,
		LastSeen:     time.Now(),
		QueuePending: 3,
		GPU:          registry.GPUStatus{Name: "RTX 4090", MemoryTotal: 24000},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewWSManager(WSManagerConfig{}, reg, nil)
	m.Watch(ctx, b)
	defer m.Stop()

	waitFor(t, func() bool {
		_, ok := m.Latest(b.ID)
		return ok
	})

	status, err := reg.GetStatus(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 87.5, status.GPU.Utilization)
	assert.Equal(t, 66.0, status.GPU.Temperature)
	assert.Equal(t, uint64(9000), status.GPU.MemoryUsed)
	assert.Equal(t, 20.0, status.CPUUtil)

	// Fields the push did not carry survive the merge.
	assert.Equal(t, "RTX 4090", status.GPU.Name)
	assert.Equal(t, uint64(24000), status.GPU.MemoryTotal)
	assert.Equal(t, 3, status.QueuePending)
	assert.True(t, status.Online)
}

func TestWSManagerLatestExpires(t *testing.T) {
	m := NewWSManager(WSManagerConfig{}, registry.New(), nil)

	m.mu.Lock()
	m.latest["b1"] = Push{GPUPercent: 50, ReceivedAt: time.Now().Add(-time.Minute)}
	m.mu.Unlock()

	_, ok := m.Latest("b1")
	assert.False(t, ok, "stale pushes must not outrank the REST poll")
}

func TestWSManagerIgnoresMalformedFrames(t *testing.T) {
	srv := metricsServer(t, []string{
		`not-json`,
		`{"gpu_percent":42}`,
	})
	defer srv.Close()

	b := wsBackend(t, srv)
	reg := registry.New()
	require.NoError(t, reg.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewWSManager(WSManagerConfig{}, reg, nil)
	m.Watch(ctx, b)
	defer m.Stop()

	waitFor(t, func() bool {
		p, ok := m.Latest(b.ID)
		return ok && p.GPUPercent == 42
	})
}

func TestWSManagerUnwatch(t *testing.T) {
	srv := metricsServer(t, []string{`{"gpu_percent":42}`})
	defer srv.Close()

	b := wsBackend(t, srv)
	reg := registry.New()
	require.NoError(t, reg.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewWSManager(WSManagerConfig{}, reg, nil)
	m.Watch(ctx, b)

	waitFor(t, func() bool {
		_, ok := m.Latest(b.ID)
		return ok
	})

	m.Unwatch(b.ID)
	_, ok := m.Latest(b.ID)
	assert.False(t, ok)

	m.Stop()
}
