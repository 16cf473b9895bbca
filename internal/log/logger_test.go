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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "level %q", tt.input)
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("job started", slog.String(JobIDKey, "j1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job started", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("suppressed")
	assert.Zero(t, buf.Len())

	logger.Warn("emitted")
	assert.NotZero(t, buf.Len())
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	assert.NotNil(t, New(nil))
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CONSOLE_DEBUG", "")
	t.Setenv("CONSOLE_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_SOURCE", "")

	cfg := FromEnv()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.False(t, cfg.AddSource)
}

func TestFromEnvDebugWins(t *testing.T) {
	t.Setenv("CONSOLE_DEBUG", "1")
	t.Setenv("CONSOLE_LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvLevelPrecedence(t *testing.T) {
	t.Setenv("CONSOLE_DEBUG", "")
	t.Setenv("CONSOLE_LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)

	t.Setenv("CONSOLE_LOG_LEVEL", "")
	cfg = FromEnv()
	assert.Equal(t, "error", cfg.Level)
}

func TestFromEnvFormatAndSource(t *testing.T) {
	t.Setenv("CONSOLE_DEBUG", "")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("LOG_SOURCE", "1")

	cfg := FromEnv()
	assert.Equal(t, FormatText, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	l := WithComponent(logger, "runner")
	l = WithJob(l, "j1")
	l = WithBackend(l, "workstation-1")
	l = WithCorrelationID(l, "c-42")
	l.Info("dispatched")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "runner", entry["component"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "workstation-1", entry["backend_id"])
	assert.Equal(t, "c-42", entry["correlation_id"])
}

func TestWithCorrelationIDEmptyNoop(t *testing.T) {
	logger := slog.Default()
	assert.Same(t, logger, WithCorrelationID(logger, ""))
}
