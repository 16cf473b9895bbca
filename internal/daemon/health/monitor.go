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

// Package health keeps the backend registry current: a periodic poll
// sweep over every backend (monitor) and a persistent push channel per
// backend for real-time metrics (metrics WebSocket manager).
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
)

// BackendClient is the slice of the comfy client the monitor needs.
// Tests substitute stubs.
type BackendClient interface {
	HealthCheck(ctx context.Context) bool
	GetSystemStats(ctx context.Context) (*comfy.SystemStats, error)
	GetQueueStatus(ctx context.Context) (*comfy.QueueStatus, error)
	GetMetricsAgent(ctx context.Context) (*comfy.AgentMetrics, error)
	Close() error
}

// ClientFactory opens a client for one backend.
type ClientFactory func(registry.Backend) BackendClient

// MetricsSink receives one snapshot per backend per sweep. The sqlite
// store implements this; a nil sink disables history.
type MetricsSink interface {
	AppendMetrics(ctx context.Context, backendID string, status registry.Status) error
}

// PushSource exposes the latest WebSocket-pushed metrics per backend.
// Pushed values outrank REST-polled ones in the merge, below only the
// metrics agent.
type PushSource interface {
	Latest(backendID string) (Push, bool)
}

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	// Interval between sweeps. Default: 5 seconds.
	Interval time.Duration

	// FullMetrics enables the stats/queue/agent calls after a successful
	// health check. When false only liveness is tracked.
	FullMetrics bool
}

// Monitor periodically polls every registered backend. Failures are
// localized per backend: a sweep never returns an error.
type Monitor struct {
	cfg      MonitorConfig
	reg      *registry.Registry
	clients  ClientFactory
	sink     MetricsSink
	push     PushSource
	logger   *slog.Logger
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMonitor creates a monitor. sink and push may be nil.
func NewMonitor(cfg MonitorConfig, reg *registry.Registry, clients ClientFactory, sink MetricsSink, push PushSource, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		clients: clients,
		sink:    sink,
		push:    push,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// RunLoop sweeps until Stop is called or the context ends.
func (m *Monitor) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// Stop ends the run loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// PollOnce runs exactly one sweep over all backends, concurrently.
func (m *Monitor) PollOnce(ctx context.Context) {
	var g errgroup.Group
	for _, b := range m.reg.List() {
		g.Go(func() error {
			m.pollBackend(ctx, b)
			return nil
		})
	}
	g.Wait()
}

// pollBackend observes one backend and writes the merged status into the
// registry. Any failure classifies the backend as offline.
func (m *Monitor) pollBackend(ctx context.Context, b registry.Backend) {
	client := m.clients(b)
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	if !client.HealthCheck(checkCtx) {
		m.markOffline(ctx, b.ID)
		return
	}

	prior, err := m.reg.GetStatus(b.ID)
	if err != nil {
		return // backend removed mid-sweep
	}

	status := prior
	status.Online = true
	status.LastSeen = time.Now()

	if m.cfg.FullMetrics {
		if !m.collectMetrics(checkCtx, client, b.ID, &status) {
			m.markOffline(ctx, b.ID)
			return
		}
	}

	if err := m.reg.UpdateStatus(b.ID, status); err != nil {
		return
	}
	m.record(ctx, b.ID, status)
}

// collectMetrics runs stats, queue, and agent lookups in parallel and
// merges them into status. Precedence, highest first: metrics agent,
// WebSocket push, system stats / queue status, prior values.
func (m *Monitor) collectMetrics(ctx context.Context, client BackendClient, backendID string, status *registry.Status) bool {
	var stats *comfy.SystemStats
	var queue *comfy.QueueStatus
	var agent *comfy.AgentMetrics

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = client.GetSystemStats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		queue, err = client.GetQueueStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		agent, err = client.GetMetricsAgent(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		m.logger.Warn("backend metrics collection failed",
			slog.String("backend_id", backendID),
			slog.Any("error", err))
		return false
	}

	// Tier 3: REST-polled stats.
	if stats != nil {
		status.RAMTotal = stats.RAMTotal
		if stats.RAMTotal >= stats.RAMFree {
			status.RAMUsed = stats.RAMTotal - stats.RAMFree
		}
		if len(stats.Devices) > 0 {
			d := stats.Devices[0]
			status.GPU.Name = d.Name
			status.GPU.MemoryTotal = d.VRAMTotal
			if d.VRAMTotal >= d.VRAMFree {
				status.GPU.MemoryUsed = d.VRAMTotal - d.VRAMFree
			}
		}
	}
	if queue != nil {
		status.QueueRunning = queue.Running
		status.QueuePending = queue.Pending
	}

	// Tier 2: values pushed over the metrics WebSocket.
	if m.push != nil {
		if push, ok := m.push.Latest(backendID); ok {
			push.apply(status)
		}
	}

	// Tier 1: the metrics agent wins outright when present.
	if agent != nil {
		status.CPUUtil = agent.CPUPercent
		status.GPU.Utilization = agent.GPUPercent
		status.GPU.Temperature = agent.GPUTemp
		if agent.RAMTotal > 0 {
			status.RAMTotal = agent.RAMTotal
			status.RAMUsed = agent.RAMUsed
		}
		if agent.VRAMTotal > 0 {
			status.GPU.MemoryTotal = agent.VRAMTotal
			status.GPU.MemoryUsed = agent.VRAMUsed
		}
	}
	return true
}

func (m *Monitor) markOffline(ctx context.Context, backendID string) {
	status := registry.Status{Online: false, LastSeen: time.Now()}
	if err := m.reg.UpdateStatus(backendID, status); err != nil {
		return
	}
	m.record(ctx, backendID, status)
}

func (m *Monitor) record(ctx context.Context, backendID string, status registry.Status) {
	if m.sink == nil {
		return
	}
	if err := m.sink.AppendMetrics(ctx, backendID, status); err != nil {
		m.logger.Warn("failed to append metrics snapshot",
			slog.String("backend_id", backendID),
			slog.Any("error", err))
	}
}
