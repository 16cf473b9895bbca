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

// Package paths centralizes resolution of caller-supplied file names
// against a configured base directory. Every file operation that takes a
// name from a request body or a backend response must go through Resolve
// so traversal attempts are rejected in one place.
package paths

import (
	"path/filepath"
	"strings"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// Resolver roots relative names under a base directory.
type Resolver struct {
	base string
}

// NewResolver creates a resolver for the given base directory.
// The base is cleaned and made absolute relative to the working directory.
func NewResolver(base string) (*Resolver, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving base directory %s", base)
	}
	return &Resolver{base: abs}, nil
}

// Base returns the absolute base directory.
func (r *Resolver) Base() string {
	return r.base
}

// Resolve joins name onto the base directory and verifies the result is
// still inside it. Absolute names, empty names, and any name whose cleaned
// form escapes the base are rejected with a ValidationError.
func (r *Resolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", &errors.ValidationError{Field: "path", Message: "empty path"}
	}
	if filepath.IsAbs(name) {
		return "", &errors.ValidationError{Field: "path", Message: "absolute paths are not allowed"}
	}

	joined := filepath.Join(r.base, filepath.FromSlash(name))
	rel, err := filepath.Rel(r.base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &errors.ValidationError{Field: "path", Message: "path escapes base directory"}
	}
	return joined, nil
}
