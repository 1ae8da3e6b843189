// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// NewStarter returns the os/exec-backed Starter.
func NewStarter() Starter { return execStarter{} }

type execStarter struct{}

func (execStarter) Start(spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	handle := &execHandle{
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	if spec.CaptureOutput {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("proc: attaching stdin to %s: %w", spec.Path, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("proc: attaching stdout to %s: %w", spec.Path, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("proc: attaching stderr to %s: %w", spec.Path, err)
		}
		handle.stdin = stdin
		handle.stdout = stdout
		handle.stderr = stderr
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: starting %s: %w", spec.Path, err)
	}

	go func() {
		// Wait's error is reflected in ProcessState; a signal kill
		// reports exit code -1, which is what ExitCode should return.
		_ = cmd.Wait()
		handle.mu.Lock()
		handle.exitCode = cmd.ProcessState.ExitCode()
		handle.mu.Unlock()
		close(handle.done)
	}()

	return handle, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	mu       sync.Mutex
	exitCode int
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *execHandle) Stdin() io.Writer  { return h.stdin }
func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Terminate() error {
	if !h.Running() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("proc: killing pid %d: %w", h.PID(), err)
	}
	return nil
}

// NewRunner returns the os/exec-backed Runner.
func NewRunner() Runner { return execRunner{} }

type execRunner struct{}

// Output runs the command and returns its stdout, killing it when the
// timeout budget expires.
func (execRunner) Output(ctx context.Context, spec Spec, timeout time.Duration) ([]byte, error) {
	runContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runContext, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	output, err := cmd.Output()
	if err != nil {
		if errors.Is(runContext.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("proc: running %s: exceeded %v budget: %w", spec.Path, timeout, ErrTimedOut)
		}
		return nil, fmt.Errorf("proc: running %s: %w", spec.Path, err)
	}
	return output, nil
}

// NewLocator returns a Locator that shells out to pgrep. Process
// discovery has no portable stdlib surface; pgrep covers the Linux
// and macOS hosts. It is Unix-only: on Windows FindByName fails at
// exec time, so a Windows agent needs a tasklist-backed Locator
// before its VNC flows can work. Terminal sessions do not use the
// Locator and are unaffected.
func NewLocator() Locator { return pgrepLocator{} }

type pgrepLocator struct{}

func (pgrepLocator) FindByName(name string) ([]Process, error) {
	output, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		var exitErr *exec.ExitError
		// pgrep exits 1 when nothing matched.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("proc: pgrep %s: %w", name, err)
	}

	var found []Process
	for _, field := range strings.Fields(string(output)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("proc: pgrep returned non-numeric pid %q", field)
		}
		found = append(found, &osProcess{pid: pid})
	}
	return found, nil
}

// osProcess is a Process for a PID this program did not start.
type osProcess struct {
	pid int
}

func (p *osProcess) PID() int { return p.pid }

// Running probes the process with signal 0, which performs the
// existence check without delivering anything.
func (p *osProcess) Running() bool {
	process, err := os.FindProcess(p.pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func (p *osProcess) Terminate() error {
	process, err := os.FindProcess(p.pid)
	if err != nil {
		return nil
	}
	if err := process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("proc: killing pid %d: %w", p.pid, err)
	}
	return nil
}
