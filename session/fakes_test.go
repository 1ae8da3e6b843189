// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-remote/tether/lib/proc"
	"github.com/tether-remote/tether/wire"
)

// fakeHandle is a controllable proc.Handle. Tests drive exit through
// exit(), and the stdin writer can be swapped for blocking or failing
// writes.
type fakeHandle struct {
	pid      int
	stdin    io.Writer
	stdout   io.Reader
	stderr   io.Reader
	done     chan struct{}
	exitCode int

	mu         sync.Mutex
	running    bool
	terminated bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		pid:      4242,
		stdin:    io.Discard,
		stdout:   emptyReader{},
		stderr:   emptyReader{},
		done:     make(chan struct{}),
		exitCode: -1,
		running:  true,
	}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	alreadyExited := !h.running
	h.mu.Unlock()
	if !alreadyExited {
		h.exit(137)
	}
	return nil
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *fakeHandle) Stdin() io.Writer  { return h.stdin }
func (h *fakeHandle) Stdout() io.Reader { return h.stdout }
func (h *fakeHandle) Stderr() io.Reader { return h.stderr }

// emptyReader blocks nothing and ends immediately, for streams a test
// does not exercise.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// blockingWriter never completes a write until released.
type blockingWriter struct {
	release chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{release: make(chan struct{})}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

// recordingWriter captures everything written to it.
type recordingWriter struct {
	mu     sync.Mutex
	writes []string
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func (w *recordingWriter) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

// fakeStarter hands out prepared handles and records the specs it was
// asked to start.
type fakeStarter struct {
	mu      sync.Mutex
	handles []*fakeHandle
	specs   []proc.Spec
	err     error
}

func (s *fakeStarter) Start(spec proc.Spec) (proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.specs = append(s.specs, spec)
	if len(s.handles) == 0 {
		handle := newFakeHandle()
		s.handles = append(s.handles, handle)
		return handle, nil
	}
	handle := s.handles[0]
	if len(s.handles) > 1 {
		s.handles = s.handles[1:]
	}
	return handle, nil
}

func (s *fakeStarter) started() []proc.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proc.Spec(nil), s.specs...)
}

// fakeRunner returns canned output per leading argument.
type fakeRunner struct {
	mu     sync.Mutex
	output []byte
	err    error
	calls  []proc.Spec
}

func (r *fakeRunner) Output(ctx context.Context, spec proc.Spec, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, spec)
	if r.err != nil {
		return nil, r.err
	}
	return r.output, nil
}

func (r *fakeRunner) ran() []proc.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proc.Spec(nil), r.calls...)
}

// fakeLocator returns a scripted sequence of find results, one per
// call, repeating the last entry once exhausted.
type fakeLocator struct {
	mu      sync.Mutex
	results [][]proc.Process
	err     error
	calls   int
}

func (l *fakeLocator) FindByName(name string) ([]proc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if len(l.results) == 0 {
		return nil, nil
	}
	result := l.results[0]
	if len(l.results) > 1 {
		l.results = l.results[1:]
	}
	return result, nil
}

// fakeService records service-manager calls and fails on demand.
type fakeService struct {
	mu        sync.Mutex
	calls     []string
	reinstall error
	start     error
	stop      error
	uninstall error
}

func (s *fakeService) record(name string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return err
}

func (s *fakeService) Reinstall(ctx context.Context) error { return s.record("reinstall", s.reinstall) }
func (s *fakeService) Start(ctx context.Context) error     { return s.record("start", s.start) }
func (s *fakeService) Stop(ctx context.Context) error      { return s.record("stop", s.stop) }
func (s *fakeService) Uninstall(ctx context.Context) error { return s.record("uninstall", s.uninstall) }

func (s *fakeService) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeSettings records the last written settings.
type fakeSettings struct {
	mu     sync.Mutex
	last   *VncSettings
	writes int
	err    error
}

func (f *fakeSettings) WriteSettings(settings VncSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes++
	f.last = &settings
	return nil
}

func (f *fakeSettings) lastWritten() *VncSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// fakeSender collects relayed output events on a channel.
type fakeSender struct {
	deliveries chan wire.TerminalOutputDelivery
	err        error
}

func newFakeSender() *fakeSender {
	return &fakeSender{deliveries: make(chan wire.TerminalOutputDelivery, 64)}
}

func (s *fakeSender) SendTerminalOutput(ctx context.Context, delivery wire.TerminalOutputDelivery) error {
	if s.err != nil {
		return s.err
	}
	s.deliveries <- delivery
	return nil
}

// fakeHandoff records handed-off VNC sessions.
type fakeHandoff struct {
	mu       sync.Mutex
	sessions []*VncSession
	err      error
}

func (h *fakeHandoff) HandOff(ctx context.Context, session *VncSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.sessions = append(h.sessions, session)
	return nil
}

func (h *fakeHandoff) handed() []*VncSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*VncSession(nil), h.sessions...)
}

// discardLogger returns a logger that drops everything, keeping test
// output readable.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lookPathFor returns a LookPath fake resolving only the named
// executables.
func lookPathFor(names ...string) func(string) (string, error) {
	available := make(map[string]string, len(names))
	for _, name := range names {
		available[name] = "/usr/bin/" + name
	}
	return func(name string) (string, error) {
		if path, ok := available[name]; ok {
			return path, nil
		}
		return "", fmt.Errorf("executable %q not found", name)
	}
}
