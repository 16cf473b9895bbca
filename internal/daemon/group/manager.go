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

package group

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/metrics"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/runner"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/scheduler"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/seeds"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

const (
	// MaxChildren bounds one group's fan-out.
	MaxChildren = 100

	// MinTimeoutSeconds and MaxTimeoutSeconds bound the per-child render
	// timeout; DefaultTimeoutSeconds applies when the request omits it.
	MinTimeoutSeconds     = 30
	MaxTimeoutSeconds     = 3600
	DefaultTimeoutSeconds = 300
)

// CreateRequest describes one group submission. The workflow comes either
// inline as workflow_json or by reference as workflow_id. With backend_ids
// the fan-out is pinned one child per named backend; without it, count
// children are placed by the scheduler.
type CreateRequest struct {
	WorkflowID           string            `json:"workflow_id,omitempty"`
	WorkflowJSON         workflow.APIForm  `json:"workflow_json,omitempty"`
	Parameters           map[string]any    `json:"parameters,omitempty"`
	BackendIDs           []string          `json:"backend_ids,omitempty"`
	SeedStrategy         string            `json:"seed_strategy"`
	BaseSeed             *int64            `json:"base_seed,omitempty"`
	Count                int               `json:"count,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Config tunes the group manager.
type Config struct {
	// RetryInterval paces backend selection retries for waiting children.
	// Default: 2 seconds.
	RetryInterval time.Duration

	// SeedFields extends the sampler-class -> seed-field table used for
	// injection.
	SeedFields map[string]string

	// Selector optionally narrows backend selection to snapshots the
	// compiled expression accepts.
	Selector *vm.Program
}

// Manager owns every job group and its subscribers.
type Manager struct {
	cfg       Config
	reg       *registry.Registry
	workflows runner.WorkflowSource
	clients   runner.ClientFactory
	gen       *seeds.Generator
	logger    *slog.Logger

	rootCtx context.Context

	mu     sync.RWMutex
	groups map[string]*groupState
}

type groupState struct {
	mu     sync.Mutex
	group  *Group
	cancel context.CancelFunc
	bcast  *broadcaster
}

// NewManager creates a group manager. Call Start before creating groups.
func NewManager(cfg Config, reg *registry.Registry, workflows runner.WorkflowSource, clients runner.ClientFactory, logger *slog.Logger) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		workflows: workflows,
		clients:   clients,
		gen:       &seeds.Generator{Logger: logger},
		logger:    logger,
		rootCtx:   context.Background(),
		groups:    make(map[string]*groupState),
	}
}

// Start binds the manager to the daemon lifetime.
func (m *Manager) Start(ctx context.Context) {
	m.rootCtx = ctx
}

// Create validates the request, generates the child seeds, and starts the
// fan-out. The group is returned in running state with all children
// pending.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Group, error) {
	def, err := m.validate(req)
	if err != nil {
		return nil, err
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}

	count := req.Count
	if len(req.BackendIDs) > 0 {
		count = len(req.BackendIDs)
	}

	strategy, _ := seeds.ParseStrategy(req.SeedStrategy)
	childSeeds, err := m.gen.Generate(strategy, req.BaseSeed, count)
	if err != nil {
		return nil, err
	}

	g := &Group{
		ID:                   uuid.NewString(),
		WorkflowID:           req.WorkflowID,
		Parameters:           req.Parameters,
		BackendIDs:           append([]string(nil), req.BackendIDs...),
		RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		Metadata:             req.Metadata,
		SeedStrategy:         strategy,
		BaseSeed:             req.BaseSeed,
		Count:                count,
		TimeoutSeconds:       req.TimeoutSeconds,
		Status:               StatusRunning,
		Children:             make([]Child, count),
		CreatedAt:            time.Now().UTC(),
	}
	for i, seed := range childSeeds {
		g.Children[i] = Child{Index: i, JobID: uuid.NewString(), Seed: seed, Status: ChildPending}
		if len(req.BackendIDs) > 0 {
			g.Children[i].BackendID = req.BackendIDs[i]
		}
	}

	groupCtx, cancel := context.WithCancel(m.rootCtx)
	state := &groupState{group: g, cancel: cancel, bcast: newBroadcaster()}

	m.mu.Lock()
	m.groups[g.ID] = state
	m.mu.Unlock()

	go m.run(groupCtx, state, def)
	return g.Clone(), nil
}

// validate checks the request field by field so the caller gets a precise
// reason for each rejection.
func (m *Manager) validate(req CreateRequest) (*workflow.Definition, error) {
	var def *workflow.Definition
	switch {
	case len(req.WorkflowJSON) > 0:
		def = &workflow.Definition{ID: "inline", APIFormat: req.WorkflowJSON}
	case req.WorkflowID != "":
		loaded, err := m.workflows.Load(req.WorkflowID)
		if err != nil {
			return nil, err
		}
		def = loaded
	default:
		return nil, &errors.ValidationError{Field: "workflow_id", Message: "workflow_id or workflow_json is required"}
	}

	if _, err := seeds.ParseStrategy(req.SeedStrategy); err != nil {
		return nil, err
	}
	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < MinTimeoutSeconds || req.TimeoutSeconds > MaxTimeoutSeconds) {
		return nil, &errors.ValidationError{Field: "timeout_seconds", Message: "timeout must be between 30 and 3600 seconds"}
	}

	required := mergeCapabilities(def.RequiredCapabilities, req.RequiredCapabilities)
	if len(req.BackendIDs) > 0 {
		if len(req.BackendIDs) > MaxChildren {
			return nil, &errors.ValidationError{Field: "backend_ids", Message: "at most 100 backends per group"}
		}
		for _, id := range req.BackendIDs {
			if err := m.checkBackend(id, required); err != nil {
				return nil, err
			}
		}
	} else if req.Count < 1 || req.Count > MaxChildren {
		return nil, &errors.ValidationError{Field: "count", Message: "count must be between 1 and 100"}
	}

	// The fan-out needs somewhere to inject seeds; reject workflows with no
	// seed field up front rather than failing every child.
	form, err := workflow.BuildAPIForm(def, req.Parameters)
	if err != nil {
		return nil, err
	}
	if err := workflow.InjectSeed(form, 0, m.cfg.SeedFields); err != nil {
		return nil, err
	}
	return def, nil
}

// Get returns a snapshot of one group.
func (m *Manager) Get(id string) (*Group, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.group.Clone(), nil
}

// List returns snapshots of all groups, newest first.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	states := make([]*groupState, 0, len(m.groups))
	for _, s := range m.groups {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]*Group, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, s.group.Clone())
		s.mu.Unlock()
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Cancel stops a group. Terminal groups return a ConflictError.
func (m *Manager) Cancel(id string) error {
	state, err := m.state(id)
	if err != nil {
		return err
	}

	state.mu.Lock()
	terminal := state.group.Status != StatusRunning && state.group.Status != StatusPending
	state.mu.Unlock()
	if terminal {
		return &errors.ConflictError{Resource: "job_group", ID: id, Reason: "group already finished"}
	}

	state.cancel()
	return nil
}

// Subscribe registers an event listener. The first event is always an
// initial_state snapshot; the channel closes after group_complete.
func (m *Manager) Subscribe(id string) (*Subscription, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	initial := Event{Type: EventInitialState, GroupID: id, Group: state.group.Clone()}
	state.mu.Unlock()

	return state.bcast.subscribe(initial), nil
}

// Unsubscribe removes a listener registered with Subscribe.
func (m *Manager) Unsubscribe(id string, sub *Subscription) {
	state, err := m.state(id)
	if err != nil {
		return
	}
	state.bcast.unsubscribe(sub)
}

func (m *Manager) state(id string) (*groupState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.groups[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job_group", ID: id}
	}
	return state, nil
}

// run fans the group out, one goroutine per child, and derives the group
// verdict when the last child lands.
func (m *Manager) run(ctx context.Context, state *groupState, def *workflow.Definition) {
	g := state.group
	logger := m.logger.With(slog.String("group_id", g.ID))

	var wg sync.WaitGroup
	for i := range g.Children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runChild(ctx, state, def, i)
		}()
	}
	wg.Wait()

	state.mu.Lock()
	g.Status = deriveStatus(g.Children)
	now := time.Now().UTC()
	g.CompletedAt = &now
	for _, c := range g.Children {
		metrics.RecordChildFinished(string(c.Status))
	}
	final := Event{Type: EventGroupComplete, GroupID: g.ID, Group: g.Clone()}
	state.mu.Unlock()

	state.bcast.publish(final)
	state.bcast.closeAll()
	logger.Info("job group finished", slog.String("status", string(g.Status)))
}

// runChild executes one seeded render within the group's per-child
// timeout.
func (m *Manager) runChild(ctx context.Context, state *groupState, def *workflow.Definition, idx int) {
	g := state.group

	childCtx, cancel := context.WithTimeout(ctx, time.Duration(g.TimeoutSeconds)*time.Second)
	defer cancel()

	err := m.renderChild(childCtx, state, def, idx)
	if err == nil {
		return
	}

	// Classify the landing: group cancellation beats the child timeout.
	switch {
	case ctx.Err() != nil:
		m.finishChild(state, idx, ChildCancelled, "", "")
	case childCtx.Err() != nil:
		m.finishChild(state, idx, ChildTimeout, "render exceeded timeout", string(errors.KindTimeout))
	default:
		m.finishChild(state, idx, ChildFailed, err.Error(), string(errors.Classify(err)))
	}
}

func (m *Manager) renderChild(ctx context.Context, state *groupState, def *workflow.Definition, idx int) error {
	g := state.group

	form, err := workflow.BuildAPIForm(def, g.Parameters)
	if err != nil {
		return err
	}
	if err := workflow.InjectSeed(form, g.Children[idx].Seed, m.cfg.SeedFields); err != nil {
		return err
	}

	required := mergeCapabilities(def.RequiredCapabilities, g.RequiredCapabilities)

	var backend registry.Backend
	if pinned := g.Children[idx].BackendID; pinned != "" {
		// Explicit backend_ids are a one-shot fan-out: no queuing, no
		// reselection. A backend with no free slot fails this child.
		backend, err = m.reg.Get(pinned)
		if err != nil {
			return err
		}
		if err := m.reg.AcquireSlot(backend.ID); err != nil {
			return err
		}
	} else {
		backend, err = m.acquireBackend(ctx, required)
		if err != nil {
			return err
		}
	}
	defer m.reg.ReleaseSlot(backend.ID)

	m.updateChild(state, idx, func(c *Child) {
		c.Status = ChildRunning
		c.BackendID = backend.ID
	})

	client := m.clients(backend)
	defer client.Close()

	promptID, err := client.SubmitPrompt(ctx, form)
	if err != nil {
		return err
	}
	m.updateChild(state, idx, func(c *Child) { c.PromptID = promptID })

	if err := m.followProgress(ctx, state, idx, client, promptID); err != nil {
		return err
	}

	history, err := client.FetchHistory(ctx, promptID)
	if err != nil {
		return err
	}

	outputs := collectOutputs(backend, history)
	done := time.Now().UTC()
	state.mu.Lock()
	child := &g.Children[idx]
	child.Status = ChildCompleted
	child.Progress = 1
	child.Outputs = outputs
	event := Event{
		Type:        EventChildCompleted,
		GroupID:     g.ID,
		ChildIndex:  idx,
		JobID:       child.JobID,
		BackendID:   child.BackendID,
		Seed:        child.Seed,
		Progress:    1,
		PromptID:    child.PromptID,
		CompletedAt: &done,
		Outputs:     append([]job.Output(nil), outputs...),
	}
	state.mu.Unlock()
	state.bcast.publish(event)
	return nil
}

// followProgress bridges the remote stream into the child record,
// emitting child_progress events as sampling advances.
func (m *Manager) followProgress(ctx context.Context, state *groupState, idx int, client runner.Client, promptID string) error {
	stream, err := client.OpenProgressStream(ctx, promptID)
	if err != nil {
		return err
	}
	defer stream.Close()

	for event := range stream.Events() {
		switch e := event.(type) {
		case comfy.ProgressUpdate:
			if e.Max > 0 {
				progress := float64(e.Value) / float64(e.Max)
				m.updateChild(state, idx, func(c *Child) {
					// Remote graphs can hold several samplers, each
					// restarting its own step counter. Progress only
					// ratchets up.
					if progress > c.Progress {
						c.Progress = progress
					}
					c.CurrentStep = e.NodeID
				})
			}
		case comfy.Done:
			return nil
		}
	}

	if ctx.Err() != nil {
		m.interrupt(client)
		return &errors.CancelledError{Operation: "group child render"}
	}
	return &errors.TransportError{
		Op:    "progress_stream",
		Cause: fmt.Errorf("stream ended before prompt %s completed", promptID),
	}
}

func (m *Manager) interrupt(client runner.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Interrupt(ctx); err != nil {
		m.logger.Warn("backend interrupt failed", slog.Any("error", err))
	}
}

// checkBackend verifies one explicitly named backend is usable, with a
// per-id reason on rejection.
func (m *Manager) checkBackend(id string, required []string) error {
	b, err := m.reg.Get(id)
	if err != nil {
		return &errors.ValidationError{Field: "backend_ids", Message: "backend " + id + " is not registered"}
	}
	if !b.Enabled {
		return &errors.ValidationError{Field: "backend_ids", Message: "backend " + id + " is disabled"}
	}
	status, err := m.reg.GetStatus(id)
	if err != nil || !status.Online {
		return &errors.ValidationError{Field: "backend_ids", Message: "backend " + id + " is offline"}
	}
	if !b.HasCapabilities(required) {
		return &errors.ValidationError{Field: "backend_ids", Message: "backend " + id + " lacks required capabilities"}
	}
	return nil
}

// mergeCapabilities unions the workflow's declared capabilities with the
// request's, preserving order.
func mergeCapabilities(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// acquireBackend selects the least-loaded capable backend and reserves a
// slot, waiting while everything is busy or offline.
func (m *Manager) acquireBackend(ctx context.Context, required []string) (registry.Backend, error) {
	for {
		snaps := m.reg.SnapshotAll()
		b, err := scheduler.SelectFiltered(snaps, required, m.cfg.Selector)
		if err == nil {
			if acquireErr := m.reg.AcquireSlot(b.ID); acquireErr == nil {
				return b, nil
			}
		} else {
			var noBackend *errors.NoBackendError
			if !errors.As(err, &noBackend) {
				return registry.Backend{}, err
			}
		}

		timer := time.NewTimer(m.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return registry.Backend{}, &errors.CancelledError{Operation: "backend selection"}
		case <-timer.C:
		}
	}
}

// updateChild mutates one child under the group lock and publishes a
// progress event reflecting the new state.
func (m *Manager) updateChild(state *groupState, idx int, mutate func(*Child)) {
	state.mu.Lock()
	child := &state.group.Children[idx]
	mutate(child)
	event := Event{
		Type:        EventChildProgress,
		GroupID:     state.group.ID,
		ChildIndex:  idx,
		JobID:       child.JobID,
		BackendID:   child.BackendID,
		Seed:        child.Seed,
		Progress:    child.Progress,
		CurrentStep: child.CurrentStep,
	}
	state.mu.Unlock()
	state.bcast.publish(event)
}

// finishChild records a non-success terminal state and emits its event.
func (m *Manager) finishChild(state *groupState, idx int, status ChildStatus, message, errorType string) {
	eventType := map[ChildStatus]string{
		ChildFailed:    EventChildFailed,
		ChildTimeout:   EventChildTimeout,
		ChildCancelled: EventChildCancelled,
	}[status]

	state.mu.Lock()
	child := &state.group.Children[idx]
	child.Status = status
	child.Error = message
	event := Event{
		Type:       eventType,
		GroupID:    state.group.ID,
		ChildIndex: idx,
		JobID:      child.JobID,
		BackendID:  child.BackendID,
		Seed:       child.Seed,
		Progress:   child.Progress,
		Error:      message,
		ErrorType:  errorType,
	}
	if status == ChildTimeout {
		event.TimeoutSeconds = state.group.TimeoutSeconds
	}
	state.mu.Unlock()
	state.bcast.publish(event)
}

func collectOutputs(backend registry.Backend, history *comfy.History) []job.Output {
	var outputs []job.Output
	for nodeID, out := range history.Outputs {
		for _, f := range append(out.Images, out.Videos...) {
			q := url.Values{}
			q.Set("filename", f.Filename)
			q.Set("subfolder", f.Subfolder)
			q.Set("type", f.Type)
			outputs = append(outputs, job.Output{
				NodeID:    nodeID,
				Filename:  f.Filename,
				Subfolder: f.Subfolder,
				Type:      f.Type,
				URL:       backend.URL() + "/view?" + q.Encode(),
			})
		}
	}
	return outputs
}
