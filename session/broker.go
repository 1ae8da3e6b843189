// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-remote/tether/channel"
	"github.com/tether-remote/tether/envelope"
	"github.com/tether-remote/tether/lib/codec"
	"github.com/tether-remote/tether/wire"
)

// defaultWriteTimeout bounds terminal input writes when the request
// does not supply its own budget.
const defaultWriteTimeout = 5 * time.Second

// TerminalFactory creates a terminal session for a verified open
// request. Production wires NewTerminal with the agent's starter and
// output sender; tests substitute fakes.
type TerminalFactory func(request wire.TerminalSessionRequest) (*TerminalSession, error)

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Store owns all live sessions.
	Store *Store

	// Verifier authenticates every inbound envelope.
	Verifier *envelope.Verifier

	// Terminals creates terminal sessions.
	Terminals TerminalFactory

	// VNC handles remote-desktop requests. Nil disables the
	// GetVncSession surface.
	VNC *VncManager

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Broker receives verified session requests over the agent channel
// and creates, locates, or disposes the corresponding sessions.
//
// Terminal creation runs under a single creation lock: two concurrent
// open requests for the same ID — duplicate delivery, a viewer retry
// racing the original — spawn exactly one shell, and both callers see
// the same session.
type Broker struct {
	store     *Store
	verifier  *envelope.Verifier
	terminals TerminalFactory
	vnc       *VncManager
	logger    *slog.Logger

	createMu sync.Mutex
}

// NewBroker creates a Broker.
func NewBroker(config BrokerConfig) (*Broker, error) {
	if config.Store == nil || config.Verifier == nil || config.Terminals == nil {
		return nil, fmt.Errorf("session: broker requires Store, Verifier, and Terminals")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:     config.Store,
		verifier:  config.Verifier,
		terminals: config.Terminals,
		vnc:       config.VNC,
		logger:    logger,
	}, nil
}

// RegisterHandlers binds the broker's RPC surface to the channel.
func (b *Broker) RegisterHandlers(ch *channel.Channel) {
	ch.RegisterHandler(wire.MethodCreateTerminalSession, b.handleCreateTerminal)
	ch.RegisterHandler(wire.MethodCloseTerminalSession, b.handleCloseTerminal)
	ch.RegisterHandler(wire.MethodWriteToTerminal, b.handleWriteToTerminal)
	ch.RegisterHandler(wire.MethodChangePowerState, b.handleChangePowerState)
	if b.vnc != nil {
		ch.RegisterHandler(wire.MethodGetVncSession, b.handleGetVncSession)
	}
}

// decodeVerified unpacks the envelope from the raw RPC payload and
// verifies it. All inbound session commands pass through here — there
// is no unauthenticated path into the broker.
func (b *Broker) decodeVerified(payload codec.RawMessage, want wire.PayloadType, out any) error {
	var env envelope.Envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("session: decoding envelope: %w", err)
	}
	return b.verifier.Verify(env, want, out)
}

// handleCreateTerminal opens (or returns the existing) terminal
// session. Idempotent per session ID.
func (b *Broker) handleCreateTerminal(ctx context.Context, payload codec.RawMessage) (any, error) {
	var request wire.TerminalSessionRequest
	if err := b.decodeVerified(payload, wire.PayloadTerminalSessionRequest, &request); err != nil {
		return nil, err
	}

	if existing, ok := b.store.Lookup(request.SessionID); ok {
		return wire.SessionDescriptor{SessionID: existing.ID(), CreatedAt: existing.CreatedAt()}, nil
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	// Re-check under the lock: a concurrent duplicate may have won
	// the race and created the session already.
	if existing, ok := b.store.Lookup(request.SessionID); ok {
		return wire.SessionDescriptor{SessionID: existing.ID(), CreatedAt: existing.CreatedAt()}, nil
	}

	terminal, err := b.terminals(request)
	if err != nil {
		if errors.Is(err, ErrPlatformNotSupported) {
			return nil, err
		}
		return nil, &CreationError{Reason: "starting terminal session", Err: err}
	}
	if err := b.store.Insert(terminal); err != nil {
		terminal.Close()
		return nil, &CreationError{Reason: "registering terminal session", Err: err}
	}

	// Bind store membership to process lifetime: when the shell
	// exits, the entry goes away and a later open request starts a
	// fresh shell under the same ID. The removal compares identity —
	// another path may have removed this terminal and re-registered
	// the ID to a fresh session before the watcher runs.
	go func() {
		<-terminal.Done()
		if b.store.RemoveMatching(terminal.ID(), terminal) {
			b.logger.Info("terminal session exited", "session_id", terminal.ID())
		}
		terminal.Close()
	}()

	return wire.SessionDescriptor{SessionID: terminal.ID(), CreatedAt: terminal.CreatedAt()}, nil
}

// handleCloseTerminal disposes a terminal session. Closing an unknown
// session is a no-op, not an error — the process may have exited and
// been removed between the viewer's decision and this request.
func (b *Broker) handleCloseTerminal(ctx context.Context, payload codec.RawMessage) (any, error) {
	var request wire.CloseTerminalRequest
	if err := b.decodeVerified(payload, wire.PayloadCloseTerminalRequest, &request); err != nil {
		return nil, err
	}

	if session := b.store.Remove(request.SessionID); session != nil {
		if err := session.Close(); err != nil {
			b.logger.Warn("closing terminal session", "session_id", request.SessionID, "error", err)
		}
	}
	return nil, nil
}

// handleWriteToTerminal relays viewer input to a session's stdin.
func (b *Broker) handleWriteToTerminal(ctx context.Context, payload codec.RawMessage) (any, error) {
	var request wire.TerminalInputRequest
	if err := b.decodeVerified(payload, wire.PayloadTerminalInputRequest, &request); err != nil {
		return nil, err
	}

	session, ok := b.store.Lookup(request.SessionID)
	if !ok {
		return nil, fmt.Errorf("session: no terminal session %s", request.SessionID)
	}
	terminal, ok := session.(*TerminalSession)
	if !ok {
		return nil, fmt.Errorf("session: %s is not a terminal session", request.SessionID)
	}

	timeout := defaultWriteTimeout
	if request.TimeoutMillis > 0 {
		timeout = time.Duration(request.TimeoutMillis) * time.Millisecond
	}

	if err := terminal.WriteInput(ctx, request.Input, timeout); err != nil {
		if errors.Is(err, ErrProcessNotRunning) {
			// The session disposed itself; drop the store entry so
			// the next create starts fresh. Identity-checked for the
			// same reason as the exit watcher.
			b.store.RemoveMatching(request.SessionID, terminal)
		}
		return nil, err
	}
	return nil, nil
}

// handleChangePowerState acknowledges power-state requests without
// acting on them. The payload still goes through full verification so
// an unauthorized request is reported as such, not as unsupported.
func (b *Broker) handleChangePowerState(ctx context.Context, payload codec.RawMessage) (any, error) {
	var request wire.PowerStateChange
	if err := b.decodeVerified(payload, wire.PayloadPowerStateChange, &request); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("session: power state change %q is not supported on this agent", request.Action)
}

// handleGetVncSession starts or locates the remote-desktop backend.
// Start failures are reported in the result (Created=false) rather
// than as an RPC error, so the viewer always receives the result
// shape; the underlying cause is logged here.
func (b *Broker) handleGetVncSession(ctx context.Context, payload codec.RawMessage) (any, error) {
	var request wire.VncSessionRequest
	if err := b.decodeVerified(payload, wire.PayloadVncSessionRequest, &request); err != nil {
		return nil, err
	}

	result, err := b.vnc.GetSession(ctx, request)
	if err != nil {
		var creationErr *CreationError
		if errors.As(err, &creationErr) {
			b.logger.Warn("VNC session creation failed", "session_id", request.SessionID, "error", err)
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
