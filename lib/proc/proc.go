// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc abstracts OS process control for the session core:
// spawning a backing process with attached stdio, running short-lived
// helper commands with an output capture and a deadline, and locating
// already-running processes by executable name. Session code depends
// only on the interfaces; tests substitute fakes, production wires the
// os/exec implementations from this package.
package proc

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrTimedOut is returned by Runner.Output when the command does not
// complete within its budget.
var ErrTimedOut = errors.New("proc: command timed out")

// Spec describes a process to launch.
type Spec struct {
	// Path is the executable to run. Resolved through PATH when not
	// absolute.
	Path string

	// Args are the arguments, not including the executable name.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env is the environment. Nil means inherit.
	Env []string

	// CaptureOutput attaches stdin/stdout/stderr pipes to the handle.
	// When false the streams are discarded — required for long-lived
	// backing processes nobody reads, where a full pipe would block
	// the child.
	CaptureOutput bool
}

// Process is a handle to a running OS process, whether or not this
// program started it.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Running reports whether the process is still alive.
	Running() bool

	// Terminate kills the process. Returns nil if the process had
	// already exited — during cleanup that is a normal condition, not
	// an error.
	Terminate() error
}

// Handle is a process started by a Starter. Exit is observed through
// Done rather than a callback: the session store selects on the
// channel, avoiding the event-subscription lifetime problems of
// multicast delegates.
type Handle interface {
	Process

	// Done is closed when the process exits, after ExitCode becomes
	// valid.
	Done() <-chan struct{}

	// ExitCode returns the exit status. Valid only after Done is
	// closed; -1 before that.
	ExitCode() int

	// Stdin returns the process standard input, or nil when the spec
	// did not request captured output.
	Stdin() io.Writer

	// Stdout returns the process standard output pipe, or nil.
	Stdout() io.Reader

	// Stderr returns the process standard error pipe, or nil.
	Stderr() io.Reader
}

// Starter spawns long-lived backing processes (shells, VNC servers).
type Starter interface {
	Start(spec Spec) (Handle, error)
}

// Runner executes short-lived helper commands and captures stdout.
// The timeout is a hard budget: when it expires the process is killed
// and the call fails with ErrTimedOut.
type Runner interface {
	Output(ctx context.Context, spec Spec, timeout time.Duration) ([]byte, error)
}

// Locator finds running processes by executable name.
type Locator interface {
	FindByName(name string) ([]Process, error)
}
