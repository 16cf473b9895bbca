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

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Kind is the abstract classification of an error, independent of the
// concrete type that produced it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindNoBackend  Kind = "no_backend"
	KindTransport  Kind = "transport"
	KindRemote     Kind = "remote_error"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
	KindCorrupt    Kind = "corrupt"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Classify maps an error to its Kind. Context cancellation and deadline
// errors classify as cancelled and timeout even when produced by the
// standard library rather than this package.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case As(err, new(*ValidationError)):
		return KindValidation
	case As(err, new(*NotFoundError)):
		return KindNotFound
	case As(err, new(*NoBackendError)):
		return KindNoBackend
	case As(err, new(*TimeoutError)), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case As(err, new(*CancelledError)), errors.Is(err, context.Canceled):
		return KindCancelled
	case As(err, new(*TransportError)):
		return KindTransport
	case As(err, new(*RemoteError)):
		return KindRemote
	case As(err, new(*CorruptError)):
		return KindCorrupt
	case As(err, new(*ConflictError)):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the operation that produced err may be
// retried: transport failures and timeouts are transient, everything
// else is not.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code the API surface should
// return for it.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindNoBackend:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
