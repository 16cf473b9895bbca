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

// Package runner executes canvas jobs: it walks the canvas in dependency
// order, selects a backend per node, submits the node's workflow, bridges
// remote progress into the persisted job record, and collects outputs.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/graph"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/metrics"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/scheduler"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// JobStore persists job state. Every status transition goes through it.
type JobStore interface {
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// WorkflowSource resolves workflow definitions referenced by canvas nodes.
type WorkflowSource interface {
	Load(id string) (*workflow.Definition, error)
}

// EventStream is the progress event sequence of one submitted prompt.
type EventStream interface {
	Events() <-chan comfy.Event
	Close()
}

// Client is the slice of the backend client the runner drives.
type Client interface {
	SubmitPrompt(ctx context.Context, form workflow.APIForm) (string, error)
	OpenProgressStream(ctx context.Context, promptID string) (EventStream, error)
	FetchHistory(ctx context.Context, promptID string) (*comfy.History, error)
	Interrupt(ctx context.Context) error
	Close() error
}

// ClientFactory opens a client for one backend.
type ClientFactory func(registry.Backend) Client

// Config tunes the runner.
type Config struct {
	// PersistEvery is how many progress events may pass between job
	// persists while a node is sampling. Default: 10.
	PersistEvery int

	// RetryInterval paces selection retries while no backend is usable.
	// Registry changes short-circuit the wait. Default: 2 seconds.
	RetryInterval time.Duration
}

// Runner owns the lifecycle of every in-flight job.
type Runner struct {
	cfg       Config
	reg       *registry.Registry
	jobs      JobStore
	workflows WorkflowSource
	clients   ClientFactory
	logger    *slog.Logger

	rootCtx context.Context

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	decisions map[string]chan string
	nudge     chan struct{}
	wg        sync.WaitGroup
}

// New creates a runner. Call Start before submitting jobs.
func New(cfg Config, reg *registry.Registry, jobs JobStore, workflows WorkflowSource, clients ClientFactory, logger *slog.Logger) *Runner {
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		reg:       reg,
		jobs:      jobs,
		workflows: workflows,
		clients:   clients,
		logger:    logger,
		rootCtx:   context.Background(),
		active:    make(map[string]context.CancelFunc),
		decisions: make(map[string]chan string),
		nudge:     make(chan struct{}, 1),
	}
}

// Start binds the runner to the daemon lifetime. Jobs submitted after
// Start unwind when ctx ends.
func (r *Runner) Start(ctx context.Context) {
	r.rootCtx = ctx
}

// Wait blocks until every in-flight job goroutine has unwound.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// NotifyRegistryChange wakes jobs waiting for a usable backend.
func (r *Runner) NotifyRegistryChange() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Active reports whether the job is currently being executed.
func (r *Runner) Active(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// Submit validates and persists a new job, then executes it
// asynchronously. The job returns from Submit in pending state.
func (r *Runner) Submit(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "job id is required"}
	}
	if j.Canvas == nil || len(j.Canvas.Nodes) == 0 {
		return &errors.ValidationError{Field: "canvas", Message: "job has no canvas nodes"}
	}
	if _, err := graph.NewExecutor(j.Canvas); err != nil {
		return err
	}

	j.Status = job.StatusPending
	j.CreatedAt = time.Now().UTC()
	if err := r.jobs.SaveJob(ctx, j); err != nil {
		return err
	}

	jobCtx, cancel := context.WithCancel(r.rootCtx)
	r.mu.Lock()
	r.active[j.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(j.ID, cancel)
		r.run(jobCtx, j)
	}()
	return nil
}

// Cancel stops a job. Running jobs get their in-flight prompt
// interrupted; jobs already terminal return a ConflictError.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	cancel, running := r.active[jobID]
	r.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return &errors.ConflictError{Resource: "job", ID: jobID, Reason: "job already " + string(j.Status)}
	}
	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.CompletedAt = &now
	return r.jobs.SaveJob(ctx, j)
}

// Decide resolves an ask-user backend deferral: the named backend is used
// for the node that is waiting. Fails when no node of the job is waiting
// for a decision.
func (r *Runner) Decide(jobID, backendID string) error {
	r.mu.Lock()
	ch, ok := r.decisions[jobID]
	r.mu.Unlock()
	if !ok {
		return &errors.ConflictError{Resource: "job", ID: jobID, Reason: "job is not awaiting a backend decision"}
	}
	select {
	case ch <- backendID:
		return nil
	default:
		return &errors.ConflictError{Resource: "job", ID: jobID, Reason: "decision already delivered"}
	}
}

func (r *Runner) finish(jobID string, cancel context.CancelFunc) {
	cancel()
	r.mu.Lock()
	delete(r.active, jobID)
	delete(r.decisions, jobID)
	r.mu.Unlock()
}

// run drives one job to a terminal state. Persistence errors are logged,
// never fatal: the in-memory state keeps moving.
func (r *Runner) run(ctx context.Context, j *job.Job) {
	logger := r.logger.With(slog.String("job_id", j.ID))

	metrics.RecordJobStarted()
	r.transition(ctx, j, job.StatusQueued)

	exec, err := graph.NewExecutor(j.Canvas)
	if err != nil {
		r.fail(ctx, j, err)
		return
	}

	for !exec.Done() {
		if ctx.Err() != nil {
			r.cancelled(j)
			return
		}

		nodeID := exec.GetReadyNode()
		if nodeID == "" {
			r.fail(ctx, j, &errors.ValidationError{Field: "canvas", Message: "no ready node: canvas contains a cycle"})
			return
		}
		node, _ := exec.Node(nodeID)

		if node.WorkflowID == "" {
			// Control nodes (execute sinks and the like) complete without
			// backend work.
			exec.OnNodeComplete(nodeID)
			continue
		}

		if err := r.executeNode(ctx, j, node); err != nil {
			if errors.Classify(err) == errors.KindCancelled {
				r.cancelled(j)
				return
			}
			r.fail(ctx, j, err)
			return
		}
		exec.OnNodeComplete(nodeID)
		j.Progress = j.AggregateProgress()
		r.persist(ctx, j)
	}

	now := time.Now().UTC()
	if j.StartedAt == nil {
		// A canvas of control nodes alone never holds a backend slot, so
		// it completes straight from queued.
		j.StartedAt = &now
	}
	j.Progress = 1
	j.CompletedAt = &now
	r.transition(ctx, j, job.StatusCompleted)
	metrics.RecordJobFinished(string(job.StatusCompleted), jobSeconds(j))
	logger.Info("job completed",
		slog.Int("nodes", len(j.NodeExecutions)),
		slog.Int("outputs", len(j.Outputs)))
}

// executeNode runs one canvas node on one backend.
func (r *Runner) executeNode(ctx context.Context, j *job.Job, node workflow.CanvasNode) error {
	def, err := r.workflows.Load(node.WorkflowID)
	if err != nil {
		return err
	}

	form, err := workflow.BuildAPIForm(def, mergeParams(j.Parameters, node.Parameters))
	if err != nil {
		return err
	}

	backend, err := r.acquireBackend(ctx, j, node, def.RequiredCapabilities)
	if err != nil {
		return err
	}
	defer r.reg.ReleaseSlot(backend.ID)

	// The job counts as running once its first backend slot is held; until
	// then it stays queued so backpressure is observable.
	if j.Status == job.StatusQueued {
		started := time.Now().UTC()
		j.StartedAt = &started
		r.transition(ctx, j, job.StatusRunning)
	}

	now := time.Now().UTC()
	j.NodeExecutions = append(j.NodeExecutions, job.NodeExecution{
		ID:           j.ID + "-" + node.ID,
		JobID:        j.ID,
		CanvasNodeID: node.ID,
		BackendID:    backend.ID,
		Status:       job.StatusRunning,
		StartedAt:    &now,
	})
	slot := len(j.NodeExecutions) - 1
	r.persist(ctx, j)

	err = r.dispatch(ctx, j, slot, backend, form)

	ne := &j.NodeExecutions[slot]
	done := time.Now().UTC()
	ne.CompletedAt = &done
	if err != nil {
		if errors.Classify(err) == errors.KindCancelled {
			ne.Status = job.StatusCancelled
		} else {
			ne.Status = job.StatusFailed
			ne.ErrorMessage = err.Error()
		}
		r.persist(ctx, j)
		return err
	}
	ne.Status = job.StatusCompleted
	ne.Progress = 1
	r.persist(ctx, j)
	return nil
}

// dispatch submits the form to the chosen backend and follows it to
// completion: progress bridging, then history and output collection.
func (r *Runner) dispatch(ctx context.Context, j *job.Job, slot int, backend registry.Backend, form workflow.APIForm) error {
	client := r.clients(backend)
	defer client.Close()

	promptID, err := client.SubmitPrompt(ctx, form)
	metrics.RecordPromptSubmission(backend.ID, err == nil)
	if err != nil {
		return err
	}

	j.NodeExecutions[slot].PromptID = promptID
	r.reg.SetCurrentJob(backend.ID, j.ID)
	defer r.reg.SetCurrentJob(backend.ID, "")

	if err := r.bridgeProgress(ctx, j, slot, client, promptID); err != nil {
		return err
	}

	history, err := client.FetchHistory(ctx, promptID)
	if err != nil {
		return err
	}
	r.collectOutputs(j, slot, backend, history)
	return nil
}

// bridgeProgress folds the remote event stream into the node execution.
// The job is persisted every cfg.PersistEvery progress events and on
// every node boundary.
func (r *Runner) bridgeProgress(ctx context.Context, j *job.Job, slot int, client Client, promptID string) error {
	stream, err := client.OpenProgressStream(ctx, promptID)
	if err != nil {
		return err
	}
	defer stream.Close()

	ne := &j.NodeExecutions[slot]
	sinceLastPersist := 0
	for event := range stream.Events() {
		switch e := event.(type) {
		case comfy.ProgressUpdate:
			if e.Max > 0 {
				// Remote graphs can hold several samplers, each restarting
				// its own step counter. Progress only ratchets up.
				if p := float64(e.Value) / float64(e.Max); p > ne.Progress {
					ne.Progress = p
				}
			}
			ne.CurrentStep = e.NodeID
			sinceLastPersist++
			if sinceLastPersist >= r.cfg.PersistEvery {
				sinceLastPersist = 0
				j.Progress = j.AggregateProgress()
				r.persist(ctx, j)
			}
		case comfy.NodeExecuted:
			ne.CurrentStep = e.NodeID
			j.Progress = j.AggregateProgress()
			r.persist(ctx, j)
		case comfy.Done:
			return nil
		}
	}

	// The stream unwound without a done event: either we were cancelled or
	// the connection dropped mid-prompt.
	if ctx.Err() != nil {
		r.interrupt(client)
		return &errors.CancelledError{Operation: "job " + j.ID}
	}
	return &errors.TransportError{
		BackendID: ne.BackendID,
		Op:        "progress_stream",
		Cause:     fmt.Errorf("stream ended before prompt %s completed", promptID),
	}
}

// interrupt asks the backend to abort its in-flight prompt. Best effort,
// on a fresh context because the job's own context is already dead.
func (r *Runner) interrupt(client Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Interrupt(ctx); err != nil {
		r.logger.Warn("backend interrupt failed", slog.Any("error", err))
	}
}

// acquireBackend picks a backend honoring node affinity and reserves a
// job slot on it. While no backend qualifies under auto selection the job
// waits, re-trying on registry changes; this is the engine's backpressure.
func (r *Runner) acquireBackend(ctx context.Context, j *job.Job, node workflow.CanvasNode, required []string) (registry.Backend, error) {
	fallback := scheduler.Fallback(node.FallbackStrategy)
	if fallback == "" {
		fallback = scheduler.FallbackAuto
	}

	for {
		snaps := r.reg.SnapshotAll()
		selected, err := scheduler.SelectWithAffinity(snaps, required, node.PreferredBackend, fallback)
		switch {
		case err == nil && selected != nil:
			if acquireErr := r.reg.AcquireSlot(selected.ID); acquireErr == nil {
				return *selected, nil
			}
			// Chosen backend is at capacity; wait like the no-candidate case.
		case err == nil && selected == nil:
			// Ask-user deferral: park the job until Decide or Cancel.
			backendID, decideErr := r.awaitDecision(ctx, j)
			if decideErr != nil {
				return registry.Backend{}, decideErr
			}
			b, getErr := r.reg.Get(backendID)
			if getErr != nil {
				return registry.Backend{}, getErr
			}
			if acquireErr := r.reg.AcquireSlot(b.ID); acquireErr != nil {
				return registry.Backend{}, acquireErr
			}
			return b, nil
		default:
			var noBackend *errors.NoBackendError
			if !errors.As(err, &noBackend) || fallback == scheduler.FallbackNone {
				return registry.Backend{}, err
			}
			// No candidate right now; fall through to the wait.
		}

		if err := r.waitForChange(ctx); err != nil {
			return registry.Backend{}, err
		}
	}
}

// awaitDecision parks the job in paused state until the user names a
// backend.
func (r *Runner) awaitDecision(ctx context.Context, j *job.Job) (string, error) {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.decisions[j.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.decisions, j.ID)
		r.mu.Unlock()
	}()

	prior := j.Status
	r.transition(ctx, j, job.StatusPaused)

	select {
	case backendID := <-ch:
		r.transition(ctx, j, prior)
		return backendID, nil
	case <-ctx.Done():
		return "", &errors.CancelledError{Operation: "job " + j.ID}
	}
}

// waitForChange blocks until the registry changes, the retry interval
// elapses, or the job is cancelled.
func (r *Runner) waitForChange(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &errors.CancelledError{Operation: "backend selection"}
	case <-r.nudge:
		return nil
	case <-timer.C:
		return nil
	}
}

// collectOutputs appends every file the prompt produced, with the view
// URL it can be fetched from.
func (r *Runner) collectOutputs(j *job.Job, slot int, backend registry.Backend, history *comfy.History) {
	canvasNodeID := j.NodeExecutions[slot].CanvasNodeID
	for nodeID, out := range history.Outputs {
		for _, f := range append(out.Images, out.Videos...) {
			q := url.Values{}
			q.Set("filename", f.Filename)
			q.Set("subfolder", f.Subfolder)
			q.Set("type", f.Type)
			j.Outputs = append(j.Outputs, job.Output{
				NodeID:    canvasNodeID + "/" + nodeID,
				Filename:  f.Filename,
				Subfolder: f.Subfolder,
				Type:      f.Type,
				URL:       backend.URL() + "/view?" + q.Encode(),
			})
		}
	}
}

// transition moves the job to next when the state machine allows it and
// persists the result.
func (r *Runner) transition(ctx context.Context, j *job.Job, next job.Status) {
	if j.Status == next {
		return
	}
	if !j.Status.CanTransition(next) {
		r.logger.Warn("illegal job transition skipped",
			slog.String("job_id", j.ID),
			slog.String("from", string(j.Status)),
			slog.String("to", string(next)))
		return
	}
	j.Status = next
	r.persist(ctx, j)
}

func (r *Runner) fail(ctx context.Context, j *job.Job, cause error) {
	now := time.Now().UTC()
	j.Error = cause.Error()
	j.CompletedAt = &now
	r.transition(ctx, j, job.StatusFailed)
	metrics.RecordJobFinished(string(job.StatusFailed), jobSeconds(j))
	r.logger.Error("job failed",
		slog.String("job_id", j.ID),
		slog.Any("error", cause))
}

func (r *Runner) cancelled(j *job.Job) {
	now := time.Now().UTC()
	j.CompletedAt = &now
	// Persist on a fresh context: the job context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.transition(ctx, j, job.StatusCancelled)
	metrics.RecordJobFinished(string(job.StatusCancelled), jobSeconds(j))
	r.logger.Info("job cancelled", slog.String("job_id", j.ID))
}

// jobSeconds is the job's wall-clock duration, zero before it started.
func jobSeconds(j *job.Job) float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}

func (r *Runner) persist(ctx context.Context, j *job.Job) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.jobs.SaveJob(saveCtx, j); err != nil {
		r.logger.Warn("job persist failed",
			slog.String("job_id", j.ID),
			slog.Any("error", err))
	}
}

func mergeParams(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
