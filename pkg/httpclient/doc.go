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

// Package httpclient builds the HTTP clients the daemon uses to talk to
// render backends: REST submissions, health probes, and output downloads.
//
// Clients are composed from two transport layers:
//   - logging: structured request logs with sanitized URLs, User-Agent
//     injection, correlation ID and trace context propagation
//   - retry: exponential backoff with jitter for transient failures,
//     honoring Retry-After
//
// Create a client:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get(backend.URL() + "/system_stats")
//
// # Retry behavior
//
// Only idempotent methods (GET, HEAD, OPTIONS) retry by default. Prompt
// submission is a POST and is deliberately not retried here: a duplicate
// submission would render twice, and the runner already handles submit
// failures at the job level.
//
// Retried conditions: 5xx, 408, 429 (with Retry-After), connection-level
// errors, timeouts. 4xx responses other than 408/429 return immediately.
//
// # Observability
//
// Every request emits one slog line: debug for 2xx/3xx, warn for errors
// and 4xx/5xx, with method, sanitized URL, status, and duration. Query
// parameters that look like credentials are redacted before logging.
package httpclient
