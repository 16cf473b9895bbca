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

package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one frame of a prompt's progress stream. Exactly one variant
// exists per case; no variant carries optional overloaded fields.
type Event interface {
	event()
}

// ProgressUpdate reports sampling progress within one workflow node.
type ProgressUpdate struct {
	Value  int
	Max    int
	NodeID string
}

// NodeExecuted reports that one workflow node finished and produced
// outputs.
type NodeExecuted struct {
	NodeID string
}

// Done reports stream completion. It is emitted exactly once, after which
// the stream's channel is closed.
type Done struct{}

func (ProgressUpdate) event() {}
func (NodeExecuted) event()   {}
func (Done) event()           {}

// ProgressStream is a lazy, single-shot sequence of progress events for
// one remote prompt.
type ProgressStream struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenProgressStream dials the backend's WebSocket endpoint and returns
// the event stream for the given prompt. Frames for other prompts on the
// same connection are ignored. The stream ends with exactly one Done
// event; the channel is closed afterwards.
func (c *Client) OpenProgressStream(ctx context.Context, promptID string) (*ProgressStream, error) {
	wsURL := fmt.Sprintf("ws://%s:%d/ws?clientId=%s", c.backend.Host, c.backend.Port, c.clientID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, c.transportErr("open_progress_stream", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &ProgressStream{
		conn:   conn,
		events: make(chan Event, 16),
		logger: c.logger,
		closed: make(chan struct{}),
	}
	c.streams = append(c.streams, s)

	// The reader goroutine owns conn reads; ctx cancellation unwinds it
	// by closing the connection out from under the blocked read.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	go s.readLoop(promptID)

	return s, nil
}

// Events returns the stream's event channel. The channel closes after the
// Done event, or early when the stream is closed or the connection drops.
func (s *ProgressStream) Events() <-chan Event {
	return s.events
}

// Close tears down the stream. Idempotent.
func (s *ProgressStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// wsFrame is the envelope ComfyUI pushes on its WebSocket.
type wsFrame struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Node     *string `json:"node"`
		Value    int     `json:"value"`
		Max      int     `json:"max"`
	} `json:"data"`
}

func (s *ProgressStream) readLoop(promptID string) {
	defer close(s.events)
	defer s.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("progress stream read failed", slog.Any("error", err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Binary preview frames and unknown payloads are expected;
			// skip them.
			continue
		}
		if frame.Data.PromptID != "" && frame.Data.PromptID != promptID {
			continue
		}

		switch frame.Type {
		case "progress":
			node := ""
			if frame.Data.Node != nil {
				node = *frame.Data.Node
			}
			s.emit(ProgressUpdate{Value: frame.Data.Value, Max: frame.Data.Max, NodeID: node})
		case "executed":
			if frame.Data.Node != nil {
				s.emit(NodeExecuted{NodeID: *frame.Data.Node})
			}
		case "executing":
			// A null node means the backend finished this prompt.
			if frame.Data.Node == nil && frame.Data.PromptID == promptID {
				s.emit(Done{})
				return
			}
		}
	}
}

func (s *ProgressStream) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.closed:
	}
}
