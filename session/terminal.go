// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tether-remote/tether/lib/clock"
	"github.com/tether-remote/tether/lib/proc"
	"github.com/tether-remote/tether/wire"
)

// OutputSender delivers terminal output events to the viewer. In
// production this is the agent channel invoking SendTerminalOutput;
// tests substitute a recorder.
type OutputSender interface {
	SendTerminalOutput(ctx context.Context, delivery wire.TerminalOutputDelivery) error
}

// TerminalConfig configures a terminal session.
type TerminalConfig struct {
	// SessionID and ViewerConnectionID come from the verified open
	// request.
	SessionID          wire.SessionID
	ViewerConnectionID string

	// Starter spawns the shell process.
	Starter proc.Starter

	// Output receives the relayed stdout/stderr events.
	Output OutputSender

	// LookPath resolves shell executables. Nil defaults to
	// exec.LookPath.
	LookPath func(string) (string, error)

	// GOOS overrides the platform for shell resolution. Empty means
	// runtime.GOOS. Tests use this to exercise other platforms.
	GOOS string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// TerminalSession is one interactive shell bound to a session ID. Its
// lifetime is the backing process's lifetime: when the shell exits,
// the session is disposed and the broker removes it from the store.
//
// Input writes are strictly serialized behind a per-session lock, so
// concurrent callers can never interleave mid-line. Output relay is
// one goroutine per stream, preserving the order the process emitted.
type TerminalSession struct {
	id        wire.SessionID
	viewerID  string
	createdAt time.Time

	handle proc.Handle
	stdin  io.Writer
	clock  clock.Clock
	logger *slog.Logger

	writeMu  sync.Mutex
	disposed atomic.Bool
}

// NewTerminal resolves the platform shell, starts it with redirected
// stdio, and wires the output relay. Fails with
// ErrPlatformNotSupported when the host has no defined shell.
func NewTerminal(config TerminalConfig) (*TerminalSession, error) {
	lookPath := config.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	goos := config.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", config.SessionID)

	shell, err := resolveShell(goos, lookPath)
	if err != nil {
		return nil, err
	}

	handle, err := config.Starter.Start(proc.Spec{
		Path:          shell.path,
		Args:          shell.args,
		CaptureOutput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("session: starting shell %s: %w", shell.path, err)
	}

	terminal := &TerminalSession{
		id:        config.SessionID,
		viewerID:  config.ViewerConnectionID,
		createdAt: clk.Now(),
		handle:    handle,
		stdin:     handle.Stdin(),
		clock:     clk,
		logger:    logger,
	}

	if shell.powershell {
		terminal.seedPowerShell()
	}

	go terminal.relay(handle.Stdout(), wire.StandardOutput, config.Output)
	go terminal.relay(handle.Stderr(), wire.StandardError, config.Output)

	logger.Info("terminal session started", "shell", shell.path, "pid", handle.PID())
	return terminal, nil
}

// seedPowerShell writes the verbosity preference statements.
// Best-effort: a failed seed write leaves a usable shell, so failures
// are logged and ignored.
func (t *TerminalSession) seedPowerShell() {
	for _, statement := range powershellSeed {
		if _, err := io.WriteString(t.stdin, statement+"\n"); err != nil {
			t.logger.Warn("powershell preference seed failed", "statement", statement, "error", err)
			return
		}
	}
}

// relay forwards one output stream line by line. Each line becomes an
// ordered OutputEvent for the originating viewer. Send failures are
// logged, not retried — once the stream position is lost there is no
// way to replay it.
func (t *TerminalSession) relay(stream io.Reader, kind wire.OutputStream, sender OutputSender) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		event := wire.OutputEvent{
			SessionID: t.id,
			Stream:    kind,
			Line:      scanner.Text(),
			At:        t.clock.Now(),
		}
		err := sender.SendTerminalOutput(context.Background(), wire.TerminalOutputDelivery{
			ViewerConnectionID: t.viewerID,
			Event:              event,
		})
		if err != nil {
			t.logger.Warn("output relay failed", "stream", kind, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("output stream closed", "stream", kind, "error", err)
	}
}

// WriteInput writes text to the shell's stdin, serialized behind the
// session write lock and bounded by timeout.
//
// Fails with ErrProcessNotRunning when the shell has exited (and
// disposes the session so the next open request starts fresh). Fails
// with ErrWriteTimeout when the write misses its budget. Any write
// failure disposes the session: a broken pipe, or a write of unknown
// progress after a timeout, would let later writers interleave
// mid-line, so the session is not reused.
func (t *TerminalSession) WriteInput(ctx context.Context, text string, timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !t.handle.Running() {
		t.dispose()
		return ErrProcessNotRunning
	}

	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(t.stdin, text)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			t.dispose()
			return fmt.Errorf("session: writing terminal input: %w", err)
		}
		return nil
	case <-t.clock.After(timeout):
		t.dispose()
		return fmt.Errorf("session: terminal input missed %v budget: %w", timeout, ErrWriteTimeout)
	case <-ctx.Done():
		t.dispose()
		return fmt.Errorf("session: terminal input cancelled: %w", ctx.Err())
	}
}

// ID implements Session.
func (t *TerminalSession) ID() wire.SessionID { return t.id }

// ViewerConnectionID implements Session.
func (t *TerminalSession) ViewerConnectionID() string { return t.viewerID }

// CreatedAt implements Session.
func (t *TerminalSession) CreatedAt() time.Time { return t.createdAt }

// Done is closed when the backing shell exits.
func (t *TerminalSession) Done() <-chan struct{} { return t.handle.Done() }

// Close implements Session: terminates the shell and marks the
// session disposed. Idempotent.
func (t *TerminalSession) Close() error {
	t.dispose()
	return nil
}

func (t *TerminalSession) dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}
	if err := t.handle.Terminate(); err != nil {
		t.logger.Warn("terminating shell", "error", err)
	}
	t.logger.Info("terminal session disposed")
}
