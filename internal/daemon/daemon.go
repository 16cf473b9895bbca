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

// Package daemon wires the console daemon together: registry, health
// monitoring, job runner, group manager, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/config"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/api"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/group"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/health"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/httputil"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/inbox"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/metrics"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/runner"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/scheduler"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/store"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/tracing"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/httpclient"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// Options contains build-time metadata.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the console daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	reg       *registry.Registry
	store     *store.Store
	workflows *workflow.FileStore
	monitor   *health.Monitor
	pushes    *health.WSManager
	runner    *runner.Runner
	groups    *group.Manager
	inbox     *inbox.Watcher
	otel      *tracing.Provider

	server   *http.Server
	ln       net.Listener
	draining atomic.Bool
	cancel   context.CancelFunc
	monDone  chan struct{}
}

// New builds a daemon from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		reg:     registry.New(),
		monDone: make(chan struct{}),
	}

	for _, b := range cfg.Backends {
		if err := d.reg.Register(b); err != nil {
			return nil, fmt.Errorf("failed to register backend %s: %w", b.ID, err)
		}
	}

	tracingCfg := cfg.Tracing
	tracingCfg.Version = opts.Version
	otelProvider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	d.otel = otelProvider

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	jobStore, err := store.New(store.Config{Path: cfg.Database.Path, WAL: true})
	if err != nil {
		return nil, err
	}
	d.store = jobStore

	fileStore, err := workflow.NewFileStore(cfg.WorkflowsDir, logger)
	if err != nil {
		return nil, err
	}
	d.workflows = fileStore

	httpClient, err := httpclient.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}

	d.pushes = health.NewWSManager(health.WSManagerConfig{}, d.reg, logger)
	d.monitor = health.NewMonitor(
		health.MonitorConfig{Interval: cfg.Health.Interval, FullMetrics: cfg.Health.FullMetrics},
		d.reg,
		func(b registry.Backend) health.BackendClient { return comfy.NewClient(b, httpClient, logger) },
		&observedSink{store: jobStore},
		d.pushes,
		logger,
	)

	var selector *vm.Program
	if cfg.Scheduler.Selector != "" {
		selector, err = scheduler.CompileSelector(cfg.Scheduler.Selector)
		if err != nil {
			return nil, err
		}
	}

	clients := runner.ComfyClients(httpClient, logger)
	d.runner = runner.New(runner.Config{}, d.reg, jobStore, fileStore, clients, logger)
	d.groups = group.NewManager(group.Config{SeedFields: cfg.SeedFields, Selector: selector}, d.reg, fileStore, clients, logger)

	if cfg.Inbox.Dir != "" {
		watcher, err := inbox.NewWatcher(
			inbox.Config{Dir: cfg.Inbox.Dir, Patterns: cfg.Inbox.Patterns},
			d.runner,
			logger,
		)
		if err != nil {
			return nil, err
		}
		d.inbox = watcher
	}

	d.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           d.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

// buildHandler assembles the router and its handlers.
func (d *Daemon) buildHandler() http.Handler {
	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	})
	router.SetHealthProvider(d)
	router.SetMetricsHandler(metrics.Handler())
	router.SetJobsHandler(api.NewJobsHandler(d.runner, d.store, d.reg))
	router.SetBackendsHandler(api.NewBackendsHandler(d.reg, d.store))
	router.SetGroupsHandler(api.NewGroupsHandler(api.ManagerService{Manager: d.groups}, d.logger))
	router.SetWorkflowsHandler(api.NewWorkflowsHandler(d.workflows))

	// Drain gate: once shutdown begins, new work is refused while reads
	// keep flowing.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.draining.Load() && r.Method == http.MethodPost {
			httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is shutting down")
			return
		}
		router.ServeHTTP(w, r)
	})
}

// Start brings every component up and begins serving. It returns once
// the listener is bound; Serve errors surface on the returned channel.
func (d *Daemon) Start(ctx context.Context) (<-chan error, error) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.runner.Start(runCtx)
	d.groups.Start(runCtx)
	d.pushes.Start(runCtx)
	for _, b := range d.reg.List() {
		if b.Enabled {
			d.pushes.Watch(runCtx, b)
		}
	}
	go func() {
		defer close(d.monDone)
		d.monitor.RunLoop(runCtx)
	}()

	if d.inbox != nil {
		if err := d.inbox.Start(runCtx); err != nil {
			cancel()
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Addr())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr(), err)
	}
	d.ln = ln

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	d.logger.Info("daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.Int("backends", len(d.cfg.Backends)),
		slog.String("version", d.opts.Version),
	)
	return errCh, nil
}

// Addr returns the bound listener address, for tests that bind port 0.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return d.cfg.Server.Addr()
	}
	return d.ln.Addr().String()
}

// Shutdown drains the daemon: admission stops immediately, the HTTP
// server finishes in-flight requests, and running jobs get DrainTimeout
// to complete before their contexts are cancelled.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.draining.Store(true)
	d.logger.Info("daemon shutting down")

	if d.inbox != nil {
		if err := d.inbox.Stop(); err != nil {
			d.logger.Warn("inbox watcher stop failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.DrainTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http server shutdown incomplete", slog.Any("error", err))
	}

	// Give running jobs the drain window, then cut their contexts.
	drained := make(chan struct{})
	go func() {
		d.runner.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.Server.DrainTimeout):
		d.logger.Warn("drain timeout reached, cancelling running jobs")
	}

	d.monitor.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	<-d.monDone
	d.pushes.Stop()
	d.runner.Wait()

	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", slog.Any("error", err))
	}
	if err := d.otel.Shutdown(context.Background()); err != nil {
		d.logger.Warn("tracing shutdown failed", slog.Any("error", err))
	}

	d.logger.Info("daemon stopped")
	return nil
}

// HealthSummary implements api.HealthProvider.
func (d *Daemon) HealthSummary() api.HealthSummary {
	snapshots := d.reg.SnapshotAll()
	online := 0
	for _, s := range snapshots {
		if s.Status.Online {
			online++
		}
	}
	active := 0
	for _, g := range d.groups.List() {
		if g.Status == group.StatusRunning || g.Status == group.StatusPending {
			active++
		}
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return api.HealthSummary{
		Backends:       len(snapshots),
		BackendsOnline: online,
		ActiveGroups:   active,
		StoreOK:        d.store.Ping(pingCtx) == nil,
	}
}

// observedSink persists health sweeps and mirrors them into Prometheus.
type observedSink struct {
	store *store.Store
}

func (s *observedSink) AppendMetrics(ctx context.Context, backendID string, status registry.Status) error {
	metrics.RecordBackendStatus(backendID, status.Online, status.QueueDepth(), status.GPU.Utilization)
	return s.store.AppendMetrics(ctx, backendID, status)
}
