// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session-level failures. The broker never retries
// any of these — the requesting viewer decides whether to re-request.
var (
	// ErrProcessNotRunning: the backing process has already exited.
	// Returning it also disposes the session, so the next request for
	// the same ID starts fresh instead of writing to a dead process.
	ErrProcessNotRunning = errors.New("session: backing process is not running")

	// ErrWriteTimeout: a terminal input write missed its budget.
	ErrWriteTimeout = errors.New("session: write timed out")

	// ErrPlatformNotSupported: no shell is defined for this host
	// platform.
	ErrPlatformNotSupported = errors.New("session: platform not supported")

	// ErrConfigurationFailed: the VNC backend could not be configured
	// (password encoding subprocess failed or timed out, or the
	// settings store rejected the write).
	ErrConfigurationFailed = errors.New("session: VNC configuration failed")
)

// CreationError reports a failed session creation with its reason.
type CreationError struct {
	Reason string
	Err    error
}

func (e *CreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: creation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session: creation failed: %s", e.Reason)
}

func (e *CreationError) Unwrap() error { return e.Err }
