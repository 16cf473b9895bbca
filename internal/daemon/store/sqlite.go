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

// Package store provides the SQLite-backed job repository and the
// append-only metrics snapshot log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// Store is a SQLite job repository.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// migrations are applied in order at startup; PRAGMA user_version tracks
// the last applied index.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		status TEXT NOT NULL,
		canvas TEXT,
		parameters TEXT,
		node_executions TEXT,
		outputs TEXT,
		progress REAL DEFAULT 0,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	`CREATE TABLE IF NOT EXISTS metrics_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		backend_id TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		online INTEGER NOT NULL,
		queue_depth INTEGER NOT NULL,
		gpu_name TEXT,
		gpu_temperature REAL,
		gpu_utilization REAL,
		gpu_memory_total INTEGER,
		gpu_memory_used INTEGER,
		cpu_utilization REAL,
		ram_total INTEGER,
		ram_used INTEGER,
		current_job_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_backend ON metrics_snapshots(backend_id, observed_at)`,
	`ALTER TABLE jobs ADD COLUMN metadata TEXT`,
	`ALTER TABLE metrics_snapshots ADD COLUMN queue_running INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE metrics_snapshots ADD COLUMN queue_pending INTEGER NOT NULL DEFAULT 0`,
}

// New opens (or creates) the store and applies pending migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			return fmt.Errorf("recording schema version %d: %w", i+1, err)
		}
	}
	return nil
}

// SaveJob upserts a job. The write is atomic per job; node executions and
// outputs travel inside the job row.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	canvasJSON, err := marshalNullable(j.Canvas)
	if err != nil {
		return errors.Wrap(err, "encoding canvas")
	}
	paramsJSON, err := marshalNullable(j.Parameters)
	if err != nil {
		return errors.Wrap(err, "encoding parameters")
	}
	nodesJSON, err := marshalNullable(j.NodeExecutions)
	if err != nil {
		return errors.Wrap(err, "encoding node executions")
	}
	outputsJSON, err := marshalNullable(j.Outputs)
	if err != nil {
		return errors.Wrap(err, "encoding outputs")
	}
	metadataJSON, err := marshalNullable(j.Metadata)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}

	query := `
		INSERT INTO jobs (id, project_id, status, canvas, parameters, node_executions,
			outputs, metadata, progress, error, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id,
			status=excluded.status,
			canvas=excluded.canvas,
			parameters=excluded.parameters,
			node_executions=excluded.node_executions,
			outputs=excluded.outputs,
			metadata=excluded.metadata,
			progress=excluded.progress,
			error=excluded.error,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			updated_at=excluded.updated_at
	`

	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		j.ID, nullString(j.ProjectID), string(j.Status),
		canvasJSON, paramsJSON, nodesJSON, outputsJSON, metadataJSON,
		j.Progress, nullString(j.Error),
		j.CreatedAt.Format(time.RFC3339Nano),
		formatTime(j.StartedAt), formatTime(j.CompletedAt),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob retrieves one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, canvas, parameters, node_executions,
			outputs, metadata, progress, error, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job", ID: id}
	}
	return j, err
}

// ListJobs returns jobs newest-first. status filters when non-empty;
// limit bounds the result when positive.
func (s *Store) ListJobs(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	query := `
		SELECT id, project_id, status, canvas, parameters, node_executions,
			outputs, metadata, progress, error, created_at, started_at, completed_at
		FROM jobs`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes one job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "job", ID: id}
	}
	return nil
}

// AppendMetrics records one point-in-time observation for a backend.
func (s *Store) AppendMetrics(ctx context.Context, backendID string, status registry.Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_snapshots (backend_id, observed_at, online, queue_depth,
			queue_running, queue_pending,
			gpu_name, gpu_temperature, gpu_utilization, gpu_memory_total, gpu_memory_used,
			cpu_utilization, ram_total, ram_used, current_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		backendID, status.LastSeen.UTC().Format(time.RFC3339Nano),
		boolInt(status.Online), status.QueueDepth(),
		status.QueueRunning, status.QueuePending,
		nullString(status.GPU.Name), status.GPU.Temperature, status.GPU.Utilization,
		int64(status.GPU.MemoryTotal), int64(status.GPU.MemoryUsed),
		status.CPUUtil, int64(status.RAMTotal), int64(status.RAMUsed),
		nullString(status.CurrentJobID),
	)
	if err != nil {
		return fmt.Errorf("failed to append metrics for %s: %w", backendID, err)
	}
	return nil
}

// MetricsRow is one stored metrics snapshot.
type MetricsRow struct {
	BackendID  string          `json:"backend_id"`
	ObservedAt time.Time       `json:"observed_at"`
	Status     registry.Status `json:"status"`
}

// ListMetrics returns the most recent snapshots for one backend,
// newest-first.
func (s *Store) ListMetrics(ctx context.Context, backendID string, limit int) ([]MetricsRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend_id, observed_at, online, queue_running, queue_pending,
			gpu_name, gpu_temperature, gpu_utilization, gpu_memory_total,
			gpu_memory_used, cpu_utilization, ram_total, ram_used, current_job_id
		FROM metrics_snapshots WHERE backend_id = ?
		ORDER BY observed_at DESC LIMIT ?`, backendID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricsRow
	for rows.Next() {
		var (
			row        MetricsRow
			observedAt string
			online     int
			gpuName    sql.NullString
			memTotal   int64
			memUsed    int64
			ramTotal   int64
			ramUsed    int64
			currentJob sql.NullString
		)
		if err := rows.Scan(&row.BackendID, &observedAt, &online,
			&row.Status.QueueRunning, &row.Status.QueuePending,
			&gpuName, &row.Status.GPU.Temperature, &row.Status.GPU.Utilization,
			&memTotal, &memUsed, &row.Status.CPUUtil, &ramTotal, &ramUsed, &currentJob); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		row.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)
		row.Status.LastSeen = row.ObservedAt
		row.Status.Online = online != 0
		row.Status.GPU.Name = gpuName.String
		row.Status.GPU.MemoryTotal = uint64(memTotal)
		row.Status.GPU.MemoryUsed = uint64(memUsed)
		row.Status.RAMTotal = uint64(ramTotal)
		row.Status.RAMUsed = uint64(ramUsed)
		row.Status.CurrentJobID = currentJob.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var j job.Job
	var projectID, canvasJSON, paramsJSON sql.NullString
	var nodesJSON, outputsJSON, metadataJSON, errStr sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&j.ID, &projectID, &j.Status, &canvasJSON, &paramsJSON,
		&nodesJSON, &outputsJSON, &metadataJSON, &j.Progress, &errStr,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.ProjectID = projectID.String
	j.Error = errStr.String

	if canvasJSON.Valid && canvasJSON.String != "" {
		var canvas workflow.Canvas
		if err := json.Unmarshal([]byte(canvasJSON.String), &canvas); err != nil {
			return nil, &errors.CorruptError{Path: "jobs/" + j.ID + "/canvas", Cause: err}
		}
		j.Canvas = &canvas
	}
	if err := unmarshalNullable(paramsJSON, &j.Parameters); err != nil {
		return nil, &errors.CorruptError{Path: "jobs/" + j.ID + "/parameters", Cause: err}
	}
	if err := unmarshalNullable(nodesJSON, &j.NodeExecutions); err != nil {
		return nil, &errors.CorruptError{Path: "jobs/" + j.ID + "/node_executions", Cause: err}
	}
	if err := unmarshalNullable(outputsJSON, &j.Outputs); err != nil {
		return nil, &errors.CorruptError{Path: "jobs/" + j.ID + "/outputs", Cause: err}
	}
	if err := unmarshalNullable(metadataJSON, &j.Metadata); err != nil {
		return nil, &errors.CorruptError{Path: "jobs/" + j.ID + "/metadata", Cause: err}
	}

	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.StartedAt = parseTime(startedAt)
	j.CompletedAt = parseTime(completedAt)
	return &j, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
