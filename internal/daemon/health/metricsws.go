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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
)

// Push is one metrics frame received over a backend's metrics WebSocket.
// Frames are partial: zero-valued fields were absent and must not
// overwrite what the REST poll already knows.
type Push struct {
	GPUName    string  `json:"gpu_name,omitempty"`
	GPUTemp    float64 `json:"gpu_temp,omitempty"`
	GPUPercent float64 `json:"gpu_percent,omitempty"`
	VRAMTotal  uint64  `json:"vram_total,omitempty"`
	VRAMUsed   uint64  `json:"vram_used,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	RAMTotal   uint64  `json:"ram_total,omitempty"`
	RAMUsed    uint64  `json:"ram_used,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// apply overlays the pushed fields onto status, leaving absent fields
// untouched. Queue depth and liveness are never pushed; those stay
// owned by the REST poll.
func (p Push) apply(status *registry.Status) {
	if p.GPUName != "" {
		status.GPU.Name = p.GPUName
	}
	if p.GPUTemp != 0 {
		status.GPU.Temperature = p.GPUTemp
	}
	if p.GPUPercent != 0 {
		status.GPU.Utilization = p.GPUPercent
	}
	if p.VRAMTotal != 0 {
		status.GPU.MemoryTotal = p.VRAMTotal
	}
	if p.VRAMUsed != 0 {
		status.GPU.MemoryUsed = p.VRAMUsed
	}
	if p.CPUPercent != 0 {
		status.CPUUtil = p.CPUPercent
	}
	if p.RAMTotal != 0 {
		status.RAMTotal = p.RAMTotal
	}
	if p.RAMUsed != 0 {
		status.RAMUsed = p.RAMUsed
	}
}

// stale is how long a push stays authoritative over REST-polled values.
const pushStaleAfter = 15 * time.Second

// WSManagerConfig configures the metrics WebSocket manager.
type WSManagerConfig struct {
	// DialTimeout bounds each connection attempt. Default: 10 seconds.
	DialTimeout time.Duration

	// MaxBackoff caps the exponential reconnect delay. Default: 1 minute.
	MaxBackoff time.Duration
}

// WSManager maintains one metrics WebSocket per enabled backend and
// folds pushed frames into the registry as they arrive. Reconnects use
// exponential backoff behind a per-backend rate limiter so a flapping
// backend cannot monopolize the dialer.
type WSManager struct {
	cfg    WSManagerConfig
	reg    *registry.Registry
	logger *slog.Logger

	mu       sync.RWMutex
	latest   map[string]Push
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWSManager creates a manager. Call Start to begin connecting.
func NewWSManager(cfg WSManagerConfig, reg *registry.Registry, logger *slog.Logger) *WSManager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSManager{
		cfg:     cfg,
		reg:     reg,
		logger:  logger,
		latest:  make(map[string]Push),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start opens one connection loop per enabled backend.
func (m *WSManager) Start(ctx context.Context) {
	for _, b := range m.reg.List() {
		if b.Enabled {
			m.Watch(ctx, b)
		}
	}
}

// Watch begins (or restarts) the connection loop for one backend.
func (m *WSManager) Watch(ctx context.Context, b registry.Backend) {
	m.mu.Lock()
	if cancel, ok := m.cancels[b.ID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancels[b.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectLoop(loopCtx, b)
	}()
}

// Unwatch stops the connection loop for one backend.
func (m *WSManager) Unwatch(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[backendID]; ok {
		cancel()
		delete(m.cancels, backendID)
	}
	delete(m.latest, backendID)
}

// Stop tears down every connection loop and waits for them to unwind.
func (m *WSManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		for id, cancel := range m.cancels {
			cancel()
			delete(m.cancels, id)
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// Latest returns the most recent push for a backend, if one arrived
// recently enough to still be authoritative.
func (m *WSManager) Latest(backendID string) (Push, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.latest[backendID]
	if !ok || time.Since(p.ReceivedAt) > pushStaleAfter {
		return Push{}, false
	}
	return p, true
}

// connectLoop dials, reads until failure, and reconnects with backoff.
func (m *WSManager) connectLoop(ctx context.Context, b registry.Backend) {
	logger := m.logger.With(slog.String("backend_id", b.ID))

	// At most one dial per second regardless of backoff state.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	backoff := time.Second

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		err := m.readConn(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debug("metrics websocket disconnected",
				slog.Any("error", err),
				slog.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}

// readConn holds one connection open and folds frames into the registry
// until the peer goes away.
func (m *WSManager) readConn(ctx context.Context, b registry.Backend) error {
	wsURL := fmt.Sprintf("ws://%s:%d/metrics/ws", b.Host, b.Port)

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the loop is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var push Push
		if err := json.Unmarshal(data, &push); err != nil {
			continue // tolerate unknown frames
		}
		push.ReceivedAt = time.Now()

		m.mu.Lock()
		m.latest[b.ID] = push
		m.mu.Unlock()

		m.merge(b.ID, push)
	}
}

// merge overlays one push onto the backend's registry status. REST-owned
// fields (queue depth, liveness, current job) pass through untouched.
func (m *WSManager) merge(backendID string, push Push) {
	status, err := m.reg.GetStatus(backendID)
	if err != nil {
		return
	}
	push.apply(&status)
	m.reg.UpdateStatus(backendID, status)
}
