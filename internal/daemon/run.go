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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/config"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath overrides the default config file location.
	ConfigPath string
}

// Run starts the daemon and blocks until SIGINT/SIGTERM or a server
// failure.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	path := opts.ConfigPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", path), slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, logger)
	if err != nil {
		logger.Error("failed to build daemon", slog.Any("error", err))
		return err
	}

	errCh, err := d.Start(ctx)
	if err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		return err
	}

	select {
	case <-ctx.Done():
		// Signal received; use a fresh context so shutdown is not already
		// cancelled.
		stop()
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("server failed", slog.Any("error", err))
			_ = d.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	return d.Shutdown(context.Background())
}
