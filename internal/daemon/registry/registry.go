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

// Package registry holds the configured render backends and the latest
// observed status of each. The registry is the single source of truth for
// backend state: the health monitor and the metrics stream write to it,
// everything else reads.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// Backend is the immutable configuration of one render node.
type Backend struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Host              string   `json:"host" yaml:"host"`
	Port              int      `json:"port" yaml:"port"`
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Capabilities      []string `json:"capabilities" yaml:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	Tags              []string `json:"tags" yaml:"tags"`
}

// URL returns the backend's HTTP base URL.
func (b Backend) URL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// HasCapabilities reports whether the backend declares every capability
// in required.
func (b Backend) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(b.Capabilities))
	for _, c := range b.Capabilities {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// GPUStatus is the GPU portion of a backend status.
type GPUStatus struct {
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Utilization float64 `json:"utilization,omitempty"`
	MemoryTotal uint64  `json:"memory_total,omitempty"`
	MemoryUsed  uint64  `json:"memory_used,omitempty"`
}

// MemoryFree returns the free VRAM in bytes.
func (g GPUStatus) MemoryFree() uint64 {
	if g.MemoryUsed > g.MemoryTotal {
		return 0
	}
	return g.MemoryTotal - g.MemoryUsed
}

// Status is the latest observation of one backend. Memory values are
// bytes; utilization values are percentages.
type Status struct {
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	QueueRunning int       `json:"queue_running"`
	QueuePending int       `json:"queue_pending"`
	GPU          GPUStatus `json:"gpu"`
	CPUUtil      float64   `json:"cpu_utilization,omitempty"`
	RAMTotal     uint64    `json:"ram_total,omitempty"`
	RAMUsed      uint64    `json:"ram_used,omitempty"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
}

// QueueDepth is pending plus running work on the backend.
func (s Status) QueueDepth() int {
	return s.QueueRunning + s.QueuePending
}

type entry struct {
	backend Backend
	status  Status
	slots   int // jobs currently dispatched by this daemon
	order   int // registration order, for stable tie-breaking
}

// Registry is the in-memory backend table. All operations are safe for
// concurrent use; mutations are serialized behind one lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextOrd int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a backend. First registration of an id materializes a
// synthetic offline status stamped with the current time.
func (r *Registry) Register(b Backend) error {
	if b.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "backend id is required"}
	}
	if b.Port == 0 {
		b.Port = 8188
	}
	if b.MaxConcurrentJobs <= 0 {
		b.MaxConcurrentJobs = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[b.ID]; ok {
		// Reload: replace configuration, keep observed status.
		existing.backend = b
		return nil
	}
	r.entries[b.ID] = &entry{
		backend: b,
		status:  Status{Online: false, LastSeen: time.Now()},
		order:   r.nextOrd,
	}
	r.nextOrd++
	return nil
}

// Remove deletes a backend and its status.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return &errors.NotFoundError{Resource: "backend", ID: id}
	}
	delete(r.entries, id)
	return nil
}

// List returns all backends in registration order.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(*entry) bool { return true })
}

// Get returns one backend by id.
func (r *Registry) Get(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Backend{}, &errors.NotFoundError{Resource: "backend", ID: id}
	}
	return e.backend, nil
}

// GetStatus returns the latest status of one backend.
func (r *Registry) GetStatus(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Status{}, &errors.NotFoundError{Resource: "backend", ID: id}
	}
	return e.status, nil
}

// UpdateStatus replaces the status of one backend. An offline status never
// carries a current job.
func (r *Registry) UpdateStatus(id string, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &errors.NotFoundError{Resource: "backend", ID: id}
	}
	if !s.Online {
		s.CurrentJobID = ""
	}
	e.status = s
	return nil
}

// GetOnline returns all enabled backends whose latest status is online.
func (r *Registry) GetOnline() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(e *entry) bool {
		return e.backend.Enabled && e.status.Online
	})
}

// GetByCapability returns all backends declaring the given capability.
func (r *Registry) GetByCapability(cap string) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(e *entry) bool {
		return e.backend.HasCapabilities([]string{cap})
	})
}

// SetCurrentJob records (or clears, with jobID == "") the job currently
// running on a backend.
func (r *Registry) SetCurrentJob(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &errors.NotFoundError{Resource: "backend", ID: id}
	}
	e.status.CurrentJobID = jobID
	return nil
}

// AcquireSlot reserves one concurrent-job slot on the backend. It fails
// when the backend is at its configured max_concurrent_jobs.
func (r *Registry) AcquireSlot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &errors.NotFoundError{Resource: "backend", ID: id}
	}
	if e.slots >= e.backend.MaxConcurrentJobs {
		return &errors.ConflictError{Resource: "backend", ID: id, Reason: "all job slots busy"}
	}
	e.slots++
	return nil
}

// ReleaseSlot returns a previously acquired slot. Releasing below zero is
// a no-op so release can sit on every exit path.
func (r *Registry) ReleaseSlot(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.slots > 0 {
		e.slots--
	}
}

// Snapshot pairs a backend with its status and registration order, for
// the scheduler's pure selection.
type Snapshot struct {
	Backend Backend
	Status  Status
	Slots   int
	Order   int
}

// SnapshotAll returns a point-in-time copy of every entry, in
// registration order.
func (r *Registry) SnapshotAll() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Snapshot{Backend: e.backend, Status: e.status, Slots: e.slots, Order: e.order})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (r *Registry) listLocked(keep func(*entry) bool) []Backend {
	selected := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			selected = append(selected, e)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].order < selected[j].order })

	out := make([]Backend, len(selected))
	for i, e := range selected {
		out[i] = e.backend
	}
	return out
}
