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

// Package errors defines the error taxonomy shared by the console daemon.
//
// Each error kind maps to a disposition: validation and not-found errors
// surface to the caller, transport and remote errors fail the affected job,
// timeouts trigger an interrupt on the backend, and corrupt records are
// skipped on list but explicit on direct get.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents caller input that violates the documented contract.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "workflow", "backend")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NoBackendError means no registered backend satisfies a request.
type NoBackendError struct {
	// Required lists the capabilities that could not be satisfied
	Required []string

	// Reason explains why no backend qualified
	Reason string
}

// Error implements the error interface.
func (e *NoBackendError) Error() string {
	if len(e.Required) > 0 {
		return fmt.Sprintf("no backend available for capabilities %v: %s", e.Required, e.Reason)
	}
	return fmt.Sprintf("no backend available: %s", e.Reason)
}

// TransportError represents a network failure talking to a render backend.
type TransportError struct {
	// BackendID identifies the backend the call targeted
	BackendID string

	// Op describes the failing operation (e.g., "submit_prompt")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on backend %s during %s: %v", e.BackendID, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// RemoteError means a backend accepted then rejected a prompt.
// The backend's error detail is captured verbatim.
type RemoteError struct {
	// BackendID identifies the rejecting backend
	BackendID string

	// PromptID is the remote prompt handle, if one was issued
	PromptID string

	// Detail is the backend's error payload, verbatim
	Detail string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.PromptID != "" {
		return fmt.Sprintf("backend %s rejected prompt %s: %s", e.BackendID, e.PromptID, e.Detail)
	}
	return fmt.Sprintf("backend %s rejected prompt: %s", e.BackendID, e.Detail)
}

// TimeoutError represents an operation exceeding its budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "progress stream", "child job")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancelledError represents caller-initiated cancellation.
type CancelledError struct {
	// Operation describes what was cancelled
	Operation string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

// CorruptError means a persisted artifact failed to deserialize.
type CorruptError struct {
	// Path is the file or record that failed to load
	Path string

	// Cause is the underlying decode error
	Cause error
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CorruptError) Unwrap() error {
	return e.Cause
}

// ConflictError means the requested transition is not legal from the
// entity's current state (e.g., cancelling a terminal job).
type ConflictError struct {
	// Resource is the type of resource
	Resource string

	// ID is the entity identifier
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}
