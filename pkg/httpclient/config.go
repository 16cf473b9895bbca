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
	"fmt"
	"time"
)

// Config tunes a backend HTTP client.
type Config struct {
	// Timeout is the total request timeout, retries included.
	// Default: 30s. Must be > 0.
	Timeout time.Duration `yaml:"timeout"`

	// RetryAttempts is the maximum number of retries after the initial
	// try (0 disables retries). Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the delay before the first retry; later retries
	// double it. Default: 100ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxBackoff caps the retry delay. Default: 10s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// UserAgent is sent on every request. Required.
	UserAgent string `yaml:"user_agent"`

	// RetryUnsafeMethods retries POST/PUT/PATCH/DELETE too. Off by
	// default: retrying a prompt submission renders twice.
	RetryUnsafeMethods bool `yaml:"retry_unsafe_methods"`
}

// DefaultConfig returns the settings used for render backend traffic.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		UserAgent:     "consoled/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
