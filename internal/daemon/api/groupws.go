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

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var groupUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves trusted LAN clients; cross-origin checks stay off.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSubscribe handles GET /ws/job-groups/{id}, streaming group events
// over a WebSocket. The first frame is always an initial_state event; the
// stream ends after group_complete.
func (h *GroupsHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := groupUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("group_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	sub, err := h.service.Subscribe(id)
	if err != nil {
		// Unknown group ids close with a policy-violation frame rather
		// than an HTTP status, so clients see a clean WebSocket close.
		deadline := time.Now().Add(wsWriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown job group")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}

	metrics.GroupSubscriberConnected()
	defer metrics.GroupSubscriberDisconnected()
	defer h.service.Unsubscribe(id, sub)
	defer conn.Close()

	// Reader goroutine. Client text frames are forwarded to the writer
	// loop so the connection has exactly one writer.
	done := make(chan struct{})
	clientMsgs := make(chan string, 4)
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case clientMsgs <- string(data):
			case <-r.Context().Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "group complete")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wireEvent(event)); err != nil {
				h.logger.Debug("group event write failed",
					slog.String("group_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
		case msg := <-clientMsgs:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			switch msg {
			case "ping":
				if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
					return
				}
			case "close":
				deadline := time.Now().Add(wsWriteTimeout)
				frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client requested close")
				_ = conn.WriteControl(websocket.CloseMessage, frame, deadline)
				return
			default:
				// Unrecognized text comes back verbatim.
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
