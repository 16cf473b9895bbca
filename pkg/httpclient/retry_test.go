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
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusInternalServerError))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.True(t, retryableStatus(http.StatusRequestTimeout))
	assert.True(t, retryableStatus(http.StatusTooManyRequests))

	assert.False(t, retryableStatus(http.StatusOK))
	assert.False(t, retryableStatus(http.StatusBadRequest))
	assert.False(t, retryableStatus(http.StatusNotFound))
	assert.False(t, retryableStatus(http.StatusConflict))
}

func TestRetryableError(t *testing.T) {
	assert.True(t, retryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, retryableError(errors.New("read: connection reset by peer")))
	assert.True(t, retryableError(errors.New("unexpected EOF")))

	assert.False(t, retryableError(nil))
	assert.False(t, retryableError(context.Canceled))
	assert.False(t, retryableError(context.DeadlineExceeded))
	assert.False(t, retryableError(errors.New("certificate verify failed")))
}

func TestIdempotentMethods(t *testing.T) {
	assert.True(t, idempotent("GET"))
	assert.True(t, idempotent("get"))
	assert.True(t, idempotent("HEAD"))
	assert.True(t, idempotent("OPTIONS"))

	assert.False(t, idempotent("POST"))
	assert.False(t, idempotent("PUT"))
	assert.False(t, idempotent("DELETE"))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	tr := &retryTransport{baseBackoff: 100 * time.Millisecond, maxBackoff: 300 * time.Millisecond}

	first := tr.backoff(1)
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 130*time.Millisecond)

	capped := tr.backoff(10)
	assert.LessOrEqual(t, capped, 360*time.Millisecond)
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, parseRetryAfter(resp))

	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, parseRetryAfter(resp))

	resp.Header.Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
	after := parseRetryAfter(resp)
	assert.Greater(t, after, time.Second)
	assert.LessOrEqual(t, after, 3*time.Second)

	resp.Header.Set("Retry-After", "garbage")
	assert.Zero(t, parseRetryAfter(resp))
}

type scriptedTransport struct {
	calls     int
	responses []*http.Response
	errs      []error
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], s.errs[i]
}

func TestRetryExhaustionReturnsLastResponse(t *testing.T) {
	bad := func() *http.Response {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}, Body: http.NoBody}
	}
	scripted := &scriptedTransport{
		responses: []*http.Response{bad(), bad(), bad()},
		errs:      []error{nil, nil, nil},
	}
	tr := newRetryTransport(scripted, Config{
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		MaxBackoff:    time.Millisecond,
	})

	req, err := http.NewRequest(http.MethodGet, "http://backend:8188/system_stats", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 3, scripted.calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	scripted := &scriptedTransport{
		responses: []*http.Response{nil},
		errs:      []error{fmt.Errorf("dial tcp: connection refused")},
	}
	tr := newRetryTransport(scripted, Config{
		RetryAttempts: 5,
		RetryBackoff:  50 * time.Millisecond,
		MaxBackoff:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://backend:8188/system_stats", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = tr.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
}
