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

package workflow

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/paths"
)

// FileStore persists workflow definitions as one JSON file per id under a
// single directory.
type FileStore struct {
	dir      string
	resolver *paths.Resolver
	logger   *slog.Logger
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating workflow directory %s", dir)
	}
	resolver, err := paths.NewResolver(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: resolver.Base(), resolver: resolver, logger: logger}, nil
}

// Save writes a definition atomically (temp file + rename). The
// definition's UpdatedAt is set to now; CreatedAt is set when empty.
func (s *FileStore) Save(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	path, err := s.resolve(def.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding workflow")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing workflow %s", def.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "committing workflow %s", def.ID)
	}
	return nil
}

// Load reads one definition by id. A file that exists but fails to decode
// surfaces a CorruptError.
func (s *FileStore) Load(id string) (*Definition, error) {
	path, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, errors.Wrapf(err, "reading workflow %s", id)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &errors.CorruptError{Path: path, Cause: err}
	}
	return &def, nil
}

// List enumerates all definitions, newest-updated first. Files that fail
// to decode are skipped with a warning rather than failing the listing.
func (s *FileStore) List() ([]*Definition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing workflow directory %s", s.dir)
	}

	defs := make([]*Definition, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		def, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow file",
				slog.String("file", entry.Name()),
				slog.Any("error", err))
			continue
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].UpdatedAt.After(defs[j].UpdatedAt)
	})
	return defs, nil
}

// Delete removes a definition by id.
func (s *FileStore) Delete(id string) error {
	path, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return errors.Wrapf(err, "deleting workflow %s", id)
	}
	return nil
}

// resolve maps a workflow id to its file path. Ids stay flat (no
// separators, List would never find a nested file) and the resolver
// guards against anything that would escape the store directory.
func (s *FileStore) resolve(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", &errors.ValidationError{Field: "id", Message: "invalid workflow id"}
	}
	path, err := s.resolver.Resolve(id + ".json")
	if err != nil {
		return "", &errors.ValidationError{Field: "id", Message: "invalid workflow id"}
	}
	return path, nil
}
