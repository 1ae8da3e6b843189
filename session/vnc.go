// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-remote/tether/lib/clock"
	"github.com/tether-remote/tether/lib/proc"
	"github.com/tether-remote/tether/lib/resource"
	"github.com/tether-remote/tether/wire"
)

// passwordEncodeTimeout bounds the password-encryption subprocess.
const passwordEncodeTimeout = 5 * time.Second

// serviceStartTimeout bounds the wait for the backing process to
// appear after a service reinstall+start.
const serviceStartTimeout = 10 * time.Second

// servicePollInterval is how often the appearance poll rechecks.
const servicePollInterval = 500 * time.Millisecond

// ServiceManager controls the backing VNC server's OS service on
// elevated agents. The real implementation drives the backing
// executable itself (-reinstall -silent, -stop -silent); tests fake
// it.
type ServiceManager interface {
	Reinstall(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Uninstall(ctx context.Context) error
}

// StreamHandoff receives a registered VNC session and connects it to
// the screen-streaming pipeline. The pipeline itself is outside the
// session core.
type StreamHandoff interface {
	HandOff(ctx context.Context, session *VncSession) error
}

// VncSession is a registered remote-desktop session. The heavy lifting
// happens in the backing server process; this records the identity the
// streaming pipeline is keyed by.
type VncSession struct {
	id        wire.SessionID
	createdAt time.Time
}

// ID implements Session.
func (v *VncSession) ID() wire.SessionID { return v.id }

// ViewerConnectionID implements Session. VNC sessions have no output
// relay connection; the streaming pipeline owns viewer delivery.
func (v *VncSession) ViewerConnectionID() string { return "" }

// CreatedAt implements Session.
func (v *VncSession) CreatedAt() time.Time { return v.createdAt }

// Close implements Session. The backing server is shared across
// sessions and owned by the manager's cleanup, so closing the session
// only forgets the registration.
func (v *VncSession) Close() error { return nil }

// VncConfig configures a VncManager.
type VncConfig struct {
	// ServerPath is the backing VNC server executable.
	ServerPath string

	// ServerProcessName is the executable name used to locate an
	// already-running backing process.
	ServerProcessName string

	// ResourceDir is where support binaries are extracted.
	ResourceDir string

	// Elevated selects the service-managed flow. Unprivileged agents
	// launch the server as a user process instead.
	Elevated bool

	// Resources provisions the support binaries. Nil skips
	// extraction (the server is expected to be installed already).
	Resources *resource.Extractor

	// Settings persists the server configuration.
	Settings SettingsWriter

	// Runner executes the password-encryption subprocess.
	Runner proc.Runner

	// Starter launches the server in the unprivileged flow.
	Starter proc.Starter

	// Locator finds running server processes by name.
	Locator proc.Locator

	// Service manages the OS service. Required when Elevated.
	Service ServiceManager

	// Store registers created sessions.
	Store *Store

	// Handoff receives the registered session.
	Handoff StreamHandoff

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// VncManager creates and cleans up VNC sessions. All creation runs
// under a single mutex: only one VNC session is meaningful on a
// desktop at a time, and the configure-then-start sequence must not
// interleave.
type VncManager struct {
	config VncConfig
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// NewVncManager creates a VncManager.
func NewVncManager(config VncConfig) (*VncManager, error) {
	if config.ServerPath == "" || config.ServerProcessName == "" {
		return nil, fmt.Errorf("session: VNC server path and process name are required")
	}
	if config.Elevated && config.Service == nil {
		return nil, fmt.Errorf("session: elevated VNC manager requires a ServiceManager")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &VncManager{
		config: config,
		clock:  clk,
		logger: logger,
	}, nil
}

// GetSession configures and starts the backing VNC server for the
// request, registers the session, and hands it to the streaming
// pipeline.
//
// The result reports Created (session registered) and Started (a
// backing process was newly started, rather than found running). On
// a start failure the result carries Created=false alongside the
// error, so RPC callers that only see the result still observe the
// failure. The creation mutex is held for the whole flow and released
// on every path.
func (m *VncManager) GetSession(ctx context.Context, request wire.VncSessionRequest) (wire.VncSessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Resources != nil {
		if err := m.config.Resources.Ensure(m.config.ResourceDir); err != nil {
			return wire.VncSessionResult{}, &CreationError{Reason: "provisioning VNC resources", Err: err}
		}
	}

	if err := m.configure(ctx, request.Password); err != nil {
		return wire.VncSessionResult{}, err
	}

	var started bool
	var err error
	if m.config.Elevated {
		started, err = m.ensureService(ctx)
	} else {
		started, err = m.ensureUserProcess(ctx)
	}
	if err != nil {
		return wire.VncSessionResult{}, err
	}

	session := &VncSession{id: request.SessionID, createdAt: m.clock.Now()}
	if existing, ok := m.config.Store.Lookup(request.SessionID); ok {
		// Same ID re-requested: the earlier registration stands.
		session = existing.(*VncSession)
	} else if err := m.config.Store.Insert(session); err != nil {
		return wire.VncSessionResult{}, &CreationError{Reason: "registering VNC session", Err: err}
	}

	if m.config.Handoff != nil {
		if err := m.config.Handoff.HandOff(ctx, session); err != nil {
			m.config.Store.Remove(session.ID())
			return wire.VncSessionResult{}, &CreationError{Reason: "handing session to stream pipeline", Err: err}
		}
	}

	m.logger.Info("VNC session ready", "session_id", request.SessionID, "started", started)
	return wire.VncSessionResult{Created: true, Started: started}, nil
}

// configure encrypts the password via the backing tool and persists
// the server settings. Fails fast with ErrConfigurationFailed — a
// server started with stale authentication would accept the wrong
// password.
func (m *VncManager) configure(ctx context.Context, password string) error {
	encrypted, err := m.config.Runner.Output(ctx, proc.Spec{
		Path: m.config.ServerPath,
		Args: []string{"-encodepassword", password},
	}, passwordEncodeTimeout)
	if err != nil {
		return fmt.Errorf("session: encoding VNC password: %v: %w", err, ErrConfigurationFailed)
	}

	settings := VncSettings{
		AllowLoopback:     true,
		LoopbackOnly:      false,
		UseAuthentication: true,
		RemoveWallpaper:   true,
		Password:          encrypted,
	}
	if err := m.config.Settings.WriteSettings(settings); err != nil {
		return fmt.Errorf("session: persisting VNC settings: %v: %w", err, ErrConfigurationFailed)
	}
	return nil
}

// ensureService makes sure the backing service is installed and its
// process running, polling for appearance with a bounded wait. One
// reinstall+start attempt, no retry — transient service-manager
// failures surface to the caller.
func (m *VncManager) ensureService(ctx context.Context) (bool, error) {
	if running, _ := m.findRunning(); running {
		return false, nil
	}

	if err := m.config.Service.Reinstall(ctx); err != nil {
		return false, &CreationError{Reason: "VNC session failed to start", Err: fmt.Errorf("reinstalling service: %w", err)}
	}
	if err := m.config.Service.Start(ctx); err != nil {
		return false, &CreationError{Reason: "VNC session failed to start", Err: fmt.Errorf("starting service: %w", err)}
	}

	deadline := m.clock.Now().Add(serviceStartTimeout)
	for {
		if running, err := m.findRunning(); err != nil {
			return false, &CreationError{Reason: "VNC session failed to start", Err: err}
		} else if running {
			return true, nil
		}
		if !m.clock.Now().Before(deadline) {
			return false, &CreationError{Reason: "VNC session failed to start", Err: fmt.Errorf("process %s did not appear within %v", m.config.ServerProcessName, serviceStartTimeout)}
		}
		select {
		case <-m.clock.After(servicePollInterval):
		case <-ctx.Done():
			return false, &CreationError{Reason: "VNC session failed to start", Err: ctx.Err()}
		}
	}
}

// ensureUserProcess locates a running backing process or launches one
// as the current user.
func (m *VncManager) ensureUserProcess(ctx context.Context) (bool, error) {
	if running, err := m.findRunning(); err != nil {
		return false, &CreationError{Reason: "locating VNC server process", Err: err}
	} else if running {
		return false, nil
	}

	handle, err := m.config.Starter.Start(proc.Spec{
		Path: m.config.ServerPath,
		Args: []string{"-run"},
	})
	if err != nil {
		return false, &CreationError{Reason: "launching VNC server", Err: err}
	}
	if !handle.Running() {
		return false, &CreationError{Reason: "VNC server exited immediately", Err: fmt.Errorf("exit code %d", handle.ExitCode())}
	}
	return true, nil
}

// findRunning reports whether a backing server process is alive.
func (m *VncManager) findRunning() (bool, error) {
	processes, err := m.config.Locator.FindByName(m.config.ServerProcessName)
	if err != nil {
		return false, fmt.Errorf("session: locating %s: %w", m.config.ServerProcessName, err)
	}
	for _, process := range processes {
		if process.Running() {
			return true, nil
		}
	}
	return false, nil
}

// CleanupSessions tears down VNC state at shutdown. Strictly
// best-effort: every failure is logged and the remaining steps still
// run, because cleanup must never block shutdown.
func (m *VncManager) CleanupSessions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	processes, err := m.config.Locator.FindByName(m.config.ServerProcessName)
	if err != nil {
		m.logger.Warn("cleanup: locating VNC processes", "error", err)
	}
	for _, process := range processes {
		if err := process.Terminate(); err != nil {
			m.logger.Warn("cleanup: terminating VNC process", "pid", process.PID(), "error", err)
		}
	}

	if m.config.Elevated {
		if err := m.config.Service.Stop(ctx); err != nil {
			m.logger.Warn("cleanup: stopping VNC service", "error", err)
		}
		if err := m.config.Service.Uninstall(ctx); err != nil {
			m.logger.Warn("cleanup: uninstalling VNC service", "error", err)
		}
	}

	for _, session := range m.config.Store.All() {
		if _, ok := session.(*VncSession); ok {
			m.config.Store.Remove(session.ID())
		}
	}
}

// NewExecServiceManager returns a ServiceManager that drives the
// backing executable's own service verbs, capturing nothing: the
// executable reports failure through its exit code.
func NewExecServiceManager(serverPath string, runner proc.Runner) ServiceManager {
	return &execServiceManager{serverPath: serverPath, runner: runner}
}

type execServiceManager struct {
	serverPath string
	runner     proc.Runner
}

// serviceVerbTimeout bounds each service-control subprocess.
const serviceVerbTimeout = 10 * time.Second

func (s *execServiceManager) run(ctx context.Context, args ...string) error {
	_, err := s.runner.Output(ctx, proc.Spec{Path: s.serverPath, Args: args}, serviceVerbTimeout)
	return err
}

func (s *execServiceManager) Reinstall(ctx context.Context) error {
	return s.run(ctx, "-reinstall", "-silent")
}

func (s *execServiceManager) Start(ctx context.Context) error {
	return s.run(ctx, "-start", "-silent")
}

func (s *execServiceManager) Stop(ctx context.Context) error {
	return s.run(ctx, "-stop", "-silent")
}

func (s *execServiceManager) Uninstall(ctx context.Context) error {
	return s.run(ctx, "-uninstall", "-silent")
}
