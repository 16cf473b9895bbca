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

package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

func TestResolveInsideBase(t *testing.T) {
	base := t.TempDir()
	r, err := NewResolver(base)
	require.NoError(t, err)

	got, err := r.Resolve("render.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Base(), "render.json"), got)

	got, err = r.Resolve("shots/ep01/frame.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Base(), "shots", "ep01", "frame.png"), got)
}

func TestResolveRejections(t *testing.T) {
	r, err := NewResolver(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"absolute", string(filepath.Separator) + filepath.Join("etc", "passwd")},
		{"parent escape", "../outside.json"},
		{"nested escape", "a/../../outside.json"},
		{"bare dotdot", ".."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.input)
			require.Error(t, err)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "path", verr.Field)
		})
	}
}

func TestResolveCleansInternalDotDot(t *testing.T) {
	r, err := NewResolver(t.TempDir())
	require.NoError(t, err)

	// Internal ..s that stay inside the base are fine.
	got, err := r.Resolve("a/b/../c.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Base(), "a", "c.json"), got)
}
