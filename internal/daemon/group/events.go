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
	"sync"
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
)

// Event type discriminators, as they appear on the wire.
const (
	EventInitialState   = "initial_state"
	EventChildProgress  = "child_progress"
	EventChildCompleted = "child_completed"
	EventChildFailed    = "child_failed"
	EventChildTimeout   = "child_timeout"
	EventChildCancelled = "child_cancelled"
	EventGroupComplete  = "group_complete"
)

// Event is one group notification. Group is set only on initial_state and
// group_complete; child fields only on child_* events.
type Event struct {
	Type           string       `json:"type"`
	GroupID        string       `json:"group_id"`
	ChildIndex     int          `json:"child_index,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
	BackendID      string       `json:"backend_id,omitempty"`
	Seed           int64        `json:"seed,omitempty"`
	Progress       float64      `json:"progress,omitempty"`
	CurrentStep    string       `json:"current_step,omitempty"`
	PromptID       string       `json:"prompt_id,omitempty"`
	Error          string       `json:"error,omitempty"`
	ErrorType      string       `json:"error_type,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Outputs        []job.Output `json:"outputs,omitempty"`
	Group          *Group       `json:"group,omitempty"`
}

// Subscription is one registered event listener.
type Subscription struct {
	id int
	ch chan Event
}

// Events returns the subscription's channel. The channel closes after the
// group_complete event or on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// broadcaster fans events out to subscribers. Sends are non-blocking
// and happen under the read lock: channels are only ever closed under
// the write lock, so a send can never hit a closed channel. Events to a
// full channel are dropped in favor of the terminal snapshot that
// always follows.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*Subscription)}
}

// subscribe registers a listener and delivers the initial snapshot before
// any live event.
func (b *broadcaster) subscribe(initial Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{id: b.nextID, ch: make(chan Event, 64)}
	b.nextID++
	sub.ch <- initial
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// closeAll ends every subscription after the final event.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
