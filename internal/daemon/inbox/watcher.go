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

// Package inbox watches a drop directory and submits workflow files that
// land in it. A render farm operator can queue work with nothing but cp.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/job"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/paths"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

const (
	// processedDir and failedDir are where handled files end up, relative
	// to the inbox root. Both are excluded from watching.
	processedDir = "processed"
	failedDir    = "failed"

	// settleDelay gives the writer time to finish before the file is read.
	// Drops are usually atomic renames, but cp over NFS is not.
	defaultSettleDelay = 200 * time.Millisecond
)

// Submitter accepts jobs from the inbox. Implemented by the runner.
type Submitter interface {
	Submit(ctx context.Context, j *job.Job) error
}

// dropFile is the accepted file shape: either a full submission with a
// canvas, or a bare workflow reference.
type dropFile struct {
	ProjectID  string           `json:"project_id,omitempty"`
	Canvas     *workflow.Canvas `json:"canvas,omitempty"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty"`

	// Nodes is set when the file is a raw canvas rather than a wrapper.
	Nodes []workflow.CanvasNode `json:"nodes,omitempty"`
}

// Config tunes the watcher.
type Config struct {
	// Dir is the inbox root. Required.
	Dir string

	// Patterns are doublestar globs matched against the path relative to
	// Dir. Default: ["*.json", "**/queue/*.json"].
	Patterns []string

	// SettleDelay is how long a file must sit before it is read.
	SettleDelay time.Duration
}

// Watcher submits workflow files dropped into a directory.
type Watcher struct {
	cfg       Config
	submitter Submitter
	watcher   *fsnotify.Watcher
	resolver  *paths.Resolver
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates an inbox watcher rooted at cfg.Dir. The directory
// and its processed/failed subdirectories are created if missing.
func NewWatcher(cfg Config, submitter Submitter, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox directory is required")
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*.json", "**/queue/*.json"}
	}
	for _, p := range cfg.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid inbox pattern %q", p)
		}
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox directory: %w", err)
	}
	cfg.Dir = absDir

	for _, dir := range []string{absDir, filepath.Join(absDir, processedDir), filepath.Join(absDir, failedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory %s: %w", dir, err)
		}
	}

	resolver, err := paths.NewResolver(absDir)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch inbox: %w", err)
	}

	return &Watcher{
		cfg:       cfg,
		submitter: submitter,
		watcher:   fsw,
		resolver:  resolver,
		logger:    logger.With(slog.String("component", "inbox"), slog.String("dir", absDir)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Files already sitting in the inbox are picked up
// first so a restart never strands work.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.sweepExisting(ctx); err != nil {
		return err
	}
	go w.eventLoop(ctx)
	w.logger.Info("inbox watcher started")
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// sweepExisting walks the inbox once, watching every subdirectory
// (fsnotify is not recursive) and submitting files already present.
func (w *Watcher) sweepExisting(ctx context.Context) error {
	err := filepath.WalkDir(w.cfg.Dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if w.handled(path) {
				return filepath.SkipDir
			}
			if path != w.cfg.Dir {
				if err := w.watcher.Add(path); err != nil {
					w.logger.Warn("failed to watch inbox subdirectory", "path", path, "error", err)
				}
			}
			return nil
		}
		if w.matches(path) {
			w.process(ctx, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sweep inbox: %w", err)
	}
	return nil
}

// handled reports whether the path is inside processed/ or failed/.
func (w *Watcher) handled(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)
	return rel == processedDir || rel == failedDir ||
		strings.HasPrefix(rel, processedDir+"/") || strings.HasPrefix(rel, failedDir+"/")
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("inbox watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !w.handled(event.Name) {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Warn("failed to watch inbox subdirectory", "path", event.Name, "error", err)
					}
				}
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			go func(path string) {
				select {
				case <-time.After(w.cfg.SettleDelay):
				case <-ctx.Done():
					return
				}
				w.process(ctx, path)
			}(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", "error", err)
		}
	}
}

// matches reports whether the path is a submittable drop: inside the
// inbox, outside the handled subdirectories, and matching a pattern.
func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, processedDir+"/") || strings.HasPrefix(rel, failedDir+"/") {
		return false
	}
	for _, pattern := range w.cfg.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// process reads one drop, submits it, and files it under processed/ or
// failed/.
func (w *Watcher) process(ctx context.Context, path string) {
	logger := w.logger.With(slog.String("file", filepath.Base(path)))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already moved by a concurrent event for the same file.
			return
		}
		logger.Error("failed to read inbox file", "error", err)
		return
	}

	j, err := w.buildJob(data)
	if err == nil {
		err = w.submitter.Submit(ctx, j)
	}

	if err != nil {
		logger.Warn("inbox submission rejected", "error", err)
		w.file(path, failedDir, logger)
		return
	}

	logger.Info("inbox job submitted", slog.String("job_id", j.ID))
	w.file(path, processedDir, logger)
}

// buildJob turns a drop file into a job. A raw canvas is accepted as-is;
// a bare workflow_id becomes a single-node canvas.
func (w *Watcher) buildJob(data []byte) (*job.Job, error) {
	var drop dropFile
	if err := json.Unmarshal(data, &drop); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	canvas := drop.Canvas
	switch {
	case canvas != nil:
	case len(drop.Nodes) > 0:
		canvas = &workflow.Canvas{Nodes: drop.Nodes}
	case drop.WorkflowID != "":
		canvas = &workflow.Canvas{Nodes: []workflow.CanvasNode{{ID: "inbox", WorkflowID: drop.WorkflowID}}}
	default:
		return nil, fmt.Errorf("drop file has no canvas, nodes, or workflow_id")
	}

	return &job.Job{
		ID:         uuid.NewString(),
		ProjectID:  drop.ProjectID,
		Canvas:     canvas,
		Parameters: drop.Parameters,
	}, nil
}

// file moves a handled drop into the named subdirectory, suffixing the
// name on collision so reruns never clobber history. The target goes
// through the resolver so a hostile drop name cannot land outside the
// inbox.
func (w *Watcher) file(path, subdir string, logger *slog.Logger) {
	target, err := w.resolver.Resolve(filepath.Join(subdir, filepath.Base(path)))
	if err != nil {
		logger.Error("refusing to move inbox file", "error", err)
		return
	}
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "." + time.Now().UTC().Format("20060102T150405.000") + ext
	}
	if err := os.Rename(path, target); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to move inbox file", "target", target, "error", err)
	}
}
