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

// Package comfy is the adapter to one remote ComfyUI render node: REST
// endpoints for health, queue, stats, prompt submission, history, and
// output download, plus a WebSocket progress stream.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// Client talks to one ComfyUI backend. Create one per call target and
// Close it on every exit path; Close is idempotent.
type Client struct {
	backend  registry.Backend
	baseURL  string
	clientID string
	http     *http.Client
	logger   *slog.Logger

	streams []*ProgressStream
}

// NewClient creates a client for the given backend using the shared HTTP
// client from pkg/httpclient.
func NewClient(b registry.Backend, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:  b,
		baseURL:  b.URL(),
		clientID: uuid.NewString(),
		http:     httpClient,
		logger:   logger.With(slog.String("backend_id", b.ID)),
	}
}

// BackendID returns the id of the backend this client targets.
func (c *Client) BackendID() string {
	return c.backend.ID
}

// HealthCheck performs a fast round-trip against the backend. Any
// transport error, including context cancellation, reports unhealthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// SystemStats is the backend's /system_stats payload reduced to the
// fields the health monitor merges.
type SystemStats struct {
	RAMTotal uint64
	RAMFree  uint64
	Devices  []Device
}

// Device is one installed accelerator.
type Device struct {
	Name      string `json:"name"`
	VRAMTotal uint64 `json:"vram_total"`
	VRAMFree  uint64 `json:"vram_free"`
}

// GetSystemStats fetches RAM totals and installed devices.
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var payload struct {
		System struct {
			RAMTotal uint64 `json:"ram_total"`
			RAMFree  uint64 `json:"ram_free"`
		} `json:"system"`
		Devices []Device `json:"devices"`
	}
	if err := c.getJSON(ctx, "/system_stats", &payload); err != nil {
		return nil, err
	}
	return &SystemStats{
		RAMTotal: payload.System.RAMTotal,
		RAMFree:  payload.System.RAMFree,
		Devices:  payload.Devices,
	}, nil
}

// QueueStatus is the backend's queue occupancy.
type QueueStatus struct {
	Running int
	Pending int
}

// GetQueueStatus fetches the running and pending prompt counts.
func (c *Client) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	var payload struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := c.getJSON(ctx, "/queue", &payload); err != nil {
		return nil, err
	}
	return &QueueStatus{Running: len(payload.Running), Pending: len(payload.Pending)}, nil
}

// AgentMetrics is the richer metrics payload from the auxiliary metrics
// agent, when one is installed on the backend host.
type AgentMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	GPUPercent float64 `json:"gpu_percent"`
	GPUTemp    float64 `json:"gpu_temp"`
	RAMUsed    uint64  `json:"ram_used"`
	RAMTotal   uint64  `json:"ram_total"`
	VRAMUsed   uint64  `json:"vram_used"`
	VRAMTotal  uint64  `json:"vram_total"`
}

// GetMetricsAgent fetches auxiliary metrics. A backend without the agent
// returns (nil, nil); only transport failures surface as errors.
func (c *Client) GetMetricsAgent(ctx context.Context) (*AgentMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics/agent", nil)
	if err != nil {
		return nil, c.transportErr("get_metrics_agent", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportErr("get_metrics_agent", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, c.transportErr("get_metrics_agent", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var metrics AgentMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		return nil, c.transportErr("get_metrics_agent", err)
	}
	return &metrics, nil
}

// SubmitPrompt enqueues a workflow in API form and returns the remote
// prompt id. A 2xx response without a prompt id, or any error payload,
// surfaces as a RemoteError with the backend's detail verbatim.
func (c *Client) SubmitPrompt(ctx context.Context, form workflow.APIForm) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    form,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding prompt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", c.transportErr("submit_prompt", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportErr("submit_prompt", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.transportErr("submit_prompt", err)
	}

	var payload struct {
		PromptID string          `json:"prompt_id"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", c.transportErr("submit_prompt", err)
	}

	if resp.StatusCode != http.StatusOK || payload.PromptID == "" {
		detail := string(payload.Error)
		if detail == "" {
			detail = string(raw)
		}
		return "", &errors.RemoteError{BackendID: c.backend.ID, Detail: detail}
	}
	return payload.PromptID, nil
}

// History is the outputs descriptor for one completed prompt.
type History struct {
	PromptID string
	Outputs  map[string]NodeOutput
}

// NodeOutput is the output of one workflow node.
type NodeOutput struct {
	Images []OutputFile `json:"images"`
	Videos []OutputFile `json:"gifs"`
}

// OutputFile locates one produced file on the backend.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// FetchHistory retrieves the outputs descriptor for a prompt.
func (c *Client) FetchHistory(ctx context.Context, promptID string) (*History, error) {
	var payload map[string]struct {
		Outputs map[string]NodeOutput `json:"outputs"`
	}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &payload); err != nil {
		return nil, err
	}

	entry, ok := payload[promptID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "history", ID: promptID}
	}
	return &History{PromptID: promptID, Outputs: entry.Outputs}, nil
}

// DownloadOutput fetches one produced file and returns its bytes together
// with the backend view URL it was served from.
func (c *Client) DownloadOutput(ctx context.Context, filename, subfolder, fileType string) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", fileType)
	viewURL := c.baseURL + "/view?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, viewURL, nil)
	if err != nil {
		return nil, "", c.transportErr("download_output", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", c.transportErr("download_output", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", c.transportErr("download_output", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", c.transportErr("download_output", err)
	}
	return data, viewURL, nil
}

// Interrupt requests a best-effort cancel of the backend's in-flight
// prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return c.transportErr("interrupt", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportErr("interrupt", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases every network resource the client holds, including any
// open progress streams. Safe to call multiple times.
func (c *Client) Close() error {
	for _, s := range c.streams {
		s.Close()
	}
	c.streams = nil
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return c.transportErr("get "+path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportErr("get "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return c.transportErr("get "+path, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.transportErr("get "+path, err)
	}
	return nil
}

func (c *Client) transportErr(op string, err error) error {
	return &errors.TransportError{BackendID: c.backend.ID, Op: op, Cause: err}
}
