// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements Tether's duplex RPC connection to the
// hub. One Channel is a persistent websocket carrying CBOR frames in
// both directions: outbound method invocations awaiting results, and
// inbound invocations dispatched to registered handlers.
//
// The Channel owns its connection state and retry policy. On
// transport failure it moves to Reconnecting and redials in the
// background with a role-specific backoff; callers observe only
// ErrNotConnected until the connection is back. Handlers are
// registered on the Channel rather than the connection, so a
// reconnect re-serves them automatically.
//
// There is one Channel type for both roles. Agent and viewer differ
// only in their hub path, backoff policy, and handler set — they
// compose a Channel, they do not subclass it.
package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tether-remote/tether/envelope"
	"github.com/tether-remote/tether/lib/clock"
	"github.com/tether-remote/tether/lib/codec"
	"github.com/tether-remote/tether/wire"
)

// CredentialHeader carries the base64 CBOR connect credential envelope
// in the websocket handshake request.
const CredentialHeader = "X-Tether-Credential"

// ConnectionHeader carries the hub-assigned connection ID in the
// websocket handshake response. Viewers put it in terminal session
// requests so agents can address output relay back to them.
const ConnectionHeader = "X-Tether-Connection"

// State is the channel connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Role selects the hub endpoint and default backoff for a channel.
type Role struct {
	// Name appears in the connect credential and in logs.
	Name string
	// Path is the hub endpoint path for this role.
	Path string
	// Backoff is the default reconnect policy.
	Backoff BackoffPolicy
}

// AgentRole connects to the agent endpoint with quadratic backoff.
func AgentRole() Role {
	return Role{Name: "agent", Path: "/hubs/agent", Backoff: AgentBackoff}
}

// ViewerRole connects to the viewer endpoint with constant backoff.
func ViewerRole() Role {
	return Role{Name: "viewer", Path: "/hubs/viewer", Backoff: ViewerBackoff}
}

// Handler processes one inbound invocation. The payload is the raw
// CBOR argument; the returned value (if non-nil) is encoded as the
// RPC result. An error (or panic) becomes a failed RPC result for the
// caller — it never terminates the channel.
type Handler func(ctx context.Context, payload codec.RawMessage) (any, error)

// Config configures a Channel.
type Config struct {
	// HubURL is the hub base URL (ws:// or wss://), without the role
	// path.
	HubURL string

	// Role selects endpoint path and backoff policy.
	Role Role

	// Identity signs the connect credential attached to every
	// handshake.
	Identity ed25519.PrivateKey

	// Backoff overrides the role's reconnect policy. Nil keeps the
	// role default.
	Backoff BackoffPolicy

	// OnConnected runs after every successful connect, including
	// reconnects. Used to push the initial state announcement. It
	// runs on the supervisor goroutine; long work should be handed
	// off.
	OnConnected func(ctx context.Context, ch *Channel)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to clock.Real(). Tests inject a fake to step
	// backoff waits.
	Clock clock.Clock

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Channel is a duplex RPC connection to the hub. Create with New,
// start with Connect, shut down with Stop.
type Channel struct {
	hubURL      string
	role        Role
	identity    ed25519.PrivateKey
	backoff     BackoffPolicy
	onConnected func(ctx context.Context, ch *Channel)
	logger      *slog.Logger
	clock       clock.Clock
	dialer      *websocket.Dialer

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	pending      map[uint64]chan frame
	nextID       uint64

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Channel. It does not connect; call Connect.
func New(config Config) (*Channel, error) {
	if config.HubURL == "" {
		return nil, fmt.Errorf("channel: HubURL is required")
	}
	if config.Role.Path == "" {
		return nil, fmt.Errorf("channel: Role is required")
	}
	if len(config.Identity) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("channel: Identity must be a %d-byte Ed25519 private key", ed25519.PrivateKeySize)
	}

	backoff := config.Backoff
	if backoff == nil {
		backoff = config.Role.Backoff
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Channel{
		hubURL:      config.HubURL,
		role:        config.Role,
		identity:    config.Identity,
		backoff:     backoff,
		onConnected: config.OnConnected,
		logger:      logger.With("role", config.Role.Name),
		clock:       clk,
		dialer:      dialer,
		pending:     make(map[uint64]chan frame),
		handlers:    make(map[string]Handler),
		stop:        make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterHandler registers the handler for inbound invocations of
// method. Re-registering replaces the previous handler. Handlers may
// be registered before or after Connect; they survive reconnects.
func (c *Channel) RegisterHandler(method string, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = handler
}

// Connect establishes the connection to the hub. It blocks until the
// initial connection succeeds, ctx is cancelled, or Stop is called —
// retrying failed initial dials under the same backoff policy as
// reconnects. After it returns, reconnection happens in the
// background; the caller is never blocked by later outages.
func (c *Channel) Connect(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-c.stop:
			return ErrStopped
		case <-ctx.Done():
			c.setState(Disconnected)
			return fmt.Errorf("channel: connect cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Info("retrying initial connect", "attempt", attempt, "delay", delay)
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				c.setState(Disconnected)
				return fmt.Errorf("channel: connect cancelled: %w", ctx.Err())
			case <-c.stop:
				return ErrStopped
			}
		}
		attempt++

		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(Disconnected)
				return fmt.Errorf("channel: connect cancelled: %w", ctx.Err())
			}
			c.logger.Warn("connect failed", "attempt", attempt, "error", err)
			continue
		}

		c.adopt(conn)
		return nil
	}
}

// Stop closes the channel. The state settles into Disconnected and no
// further reconnect attempts are scheduled. All pending invokes fail
// with ErrNotConnected.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.state = Disconnected
		conn := c.conn
		c.conn = nil
		c.failPendingLocked()
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// Invoke calls method on the remote end and decodes the result into
// result (which may be nil for methods without a return value).
//
// Fails with ErrNotConnected when the channel is not Connected —
// including invokes that were in flight when the transport dropped.
// Those are not replayed after reconnect; the caller decides whether
// to re-issue. Fails with *RemoteError when the remote returns an
// application-level failure.
func (c *Channel) Invoke(ctx context.Context, method string, args any, result any) error {
	payload, err := codec.Marshal(args)
	if err != nil {
		return fmt.Errorf("channel: encoding args for %s: %w", method, err)
	}

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.nextID++
	id := c.nextID
	response := make(chan frame, 1)
	c.pending[id] = response
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, frame{
		Kind:    frameInvoke,
		ID:      id,
		Method:  method,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("channel: sending %s: %w", method, ErrNotConnected)
	}

	select {
	case reply, ok := <-response:
		if !ok {
			// Transport dropped while the invoke was in flight.
			return ErrNotConnected
		}
		if reply.Error != "" {
			return &RemoteError{Method: method, Message: reply.Error}
		}
		if result != nil && len(reply.Result) > 0 {
			if err := codec.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("channel: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("channel: invoke %s cancelled: %w", method, ctx.Err())
	case <-c.stop:
		return ErrNotConnected
	}
}

// dial performs one websocket handshake with a fresh signed
// credential.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header, err := c.credentialHeader()
	if err != nil {
		return nil, err
	}

	conn, response, err := c.dialer.DialContext(ctx, c.hubURL+c.role.Path, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("channel: dialing %s%s: %w (status %d)", c.hubURL, c.role.Path, err, response.StatusCode)
		}
		return nil, fmt.Errorf("channel: dialing %s%s: %w", c.hubURL, c.role.Path, err)
	}

	// The hub assigns a fresh connection ID on every handshake.
	c.mu.Lock()
	c.connectionID = response.Header.Get(ConnectionHeader)
	c.mu.Unlock()

	return conn, nil
}

// ConnectionID returns the hub-assigned ID of the current connection,
// from the last successful handshake. Empty before the first connect
// or when the hub did not assign one. A reconnect replaces it, so
// callers should re-read it after any OnConnected firing rather than
// caching the value.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// credentialHeader builds the handshake header carrying a signed
// ConnectCredential. A fresh nonce per dial keeps credentials from
// being replayable.
func (c *Channel) credentialHeader() (http.Header, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("channel: generating credential nonce: %w", err)
	}

	env, err := envelope.Sign(wire.PayloadConnectCredential, wire.ConnectCredential{
		Role:     c.role.Name,
		Nonce:    nonce,
		IssuedAt: c.clock.Now(),
	}, c.identity)
	if err != nil {
		return nil, fmt.Errorf("channel: signing connect credential: %w", err)
	}

	encoded, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding connect credential: %w", err)
	}

	header := http.Header{}
	header.Set(CredentialHeader, base64.StdEncoding.EncodeToString(encoded))
	return header, nil
}

// adopt installs a freshly dialed connection, starts the read loop,
// and fires the connected hook. The read loop must be running before
// the hook: the hook's usual job is an Invoke (the initial state
// announcement), and an Invoke can only complete once the loop is
// there to deliver its result frame.
func (c *Channel) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info("channel connected", "hub", c.hubURL)

	go c.readLoop(conn)

	if c.onConnected != nil {
		c.onConnected(context.Background(), c)
	}
}

// setState transitions the state unless the channel is stopped.
func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return
	default:
	}
	c.state = s
}

// failPendingLocked closes all pending invoke channels, making their
// waiters return ErrNotConnected. Caller holds c.mu.
func (c *Channel) failPendingLocked() {
	for id, response := range c.pending {
		close(response)
		delete(c.pending, id)
	}
}

// readLoop reads frames from one connection until it fails, then
// hands off to the reconnect supervisor. A stale loop (superseded by
// a newer connection) exits without touching channel state.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}

		switch f.Kind {
		case frameResult:
			c.mu.Lock()
			response, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				response <- f
			}
		case frameInvoke:
			go c.serveInvoke(conn, f)
		default:
			c.logger.Warn("discarding frame with unknown kind", "kind", int(f.Kind))
		}
	}
}

// serveInvoke runs a registered handler for an inbound invocation and
// writes the result frame. Handler errors and panics are converted to
// failed results — an inbound call must never take the channel down.
func (c *Channel) serveInvoke(conn *websocket.Conn, f frame) {
	reply := frame{Kind: frameResult, ID: f.ID}

	result, err := c.dispatch(f)
	if err != nil {
		c.logger.Warn("handler failed", "method", f.Method, "error", err)
		reply.Error = err.Error()
	} else if result != nil {
		encoded, err := codec.Marshal(result)
		if err != nil {
			c.logger.Error("encoding handler result", "method", f.Method, "error", err)
			reply.Error = fmt.Sprintf("encoding result: %v", err)
		} else {
			reply.Result = encoded
		}
	}

	if err := c.writeFrame(conn, reply); err != nil {
		// The connection died under us; the read loop notices and
		// reconnects. Nothing to do for this call.
		c.logger.Debug("dropping result for dead connection", "method", f.Method, "error", err)
	}
}

// dispatch looks up and runs the handler, recovering panics.
func (c *Channel) dispatch(f frame) (result any, err error) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[f.Method]
	c.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for method %q", f.Method)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("handler panicked", "method", f.Method, "panic", recovered)
			err = fmt.Errorf("handler for %q panicked: %v", f.Method, recovered)
		}
	}()

	return handler(context.Background(), f.Payload)
}

// writeFrame serializes and writes one frame. Writes are serialized by
// writeMu; gorilla/websocket permits at most one concurrent writer.
func (c *Channel) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("channel: encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// handleDisconnect reacts to a read failure: if this connection is
// still current, fail pending invokes, flip to Reconnecting, and run
// the redial loop until success or Stop.
func (c *Channel) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection has superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked()
	stopped := false
	select {
	case <-c.stop:
		stopped = true
		c.state = Disconnected
	default:
		c.state = Reconnecting
	}
	c.mu.Unlock()
	conn.Close()

	if stopped {
		return
	}

	c.logger.Warn("transport lost, reconnecting", "error", cause)

	attempt := 0
	for {
		attempt++
		delay := c.backoff(attempt)
		select {
		case <-c.clock.After(delay):
		case <-c.stop:
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		dialContext, cancel := context.WithCancel(context.Background())
		dialDone := make(chan struct{})
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-dialDone:
			}
		}()
		newConn, err := c.dial(dialContext)
		close(dialDone)
		cancel()
		if err != nil {
			select {
			case <-c.stop:
				c.setState(Disconnected)
				return
			default:
			}
			c.logger.Warn("reconnect failed", "attempt", attempt, "delay", delay, "error", err)
			c.setState(Reconnecting)
			continue
		}

		c.logger.Info("reconnected", "attempts", attempt)
		c.adopt(newConn)
		return
	}
}
