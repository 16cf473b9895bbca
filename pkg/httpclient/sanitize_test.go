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

package httpclient

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeURLRedactsCredentials(t *testing.T) {
	u, err := url.Parse("http://backend:8188/view?filename=out.png&api_key=secret123&Token=abc")
	require.NoError(t, err)

	got := sanitizeURL(u)
	assert.Contains(t, got, "filename=out.png")
	assert.Contains(t, got, "api_key=%5BREDACTED%5D")
	assert.Contains(t, got, "Token=%5BREDACTED%5D")
	assert.NotContains(t, got, "secret123")
	assert.NotContains(t, got, "abc")
}

func TestSanitizeURLLeavesRenderParams(t *testing.T) {
	u, err := url.Parse("http://backend:8188/view?filename=img.png&subfolder=batch1&type=output")
	require.NoError(t, err)
	assert.Equal(t, u.String(), sanitizeURL(u))
}

func TestSanitizeURLNil(t *testing.T) {
	assert.Empty(t, sanitizeURL(nil))
}

func TestIsSensitiveParam(t *testing.T) {
	assert.True(t, isSensitiveParam("api_key"))
	assert.True(t, isSensitiveParam("API_KEY"))
	assert.True(t, isSensitiveParam("access_token"))
	assert.True(t, isSensitiveParam("client_secret"))

	assert.False(t, isSensitiveParam("filename"))
	assert.False(t, isSensitiveParam("subfolder"))
	assert.False(t, isSensitiveParam("seed"))
}
