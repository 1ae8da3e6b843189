// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tether-remote/tether/envelope"
	"github.com/tether-remote/tether/lib/codec"
	"github.com/tether-remote/tether/lib/testutil"
	"github.com/tether-remote/tether/wire"
)

// fakeHub is an in-process hub endpoint speaking the frame protocol.
// It records connect credentials, answers invokes via a configurable
// responder, and can push invokes to the connected client.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conn         *websocket.Conn
	credentials  []envelope.Envelope
	respond      func(f frame) frame
	connectionID string

	connected chan *websocket.Conn
	nextID    uint64
	pending   map[uint64]chan frame
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	hub := &fakeHub{
		t:         t,
		connected: make(chan *websocket.Conn, 4),
		pending:   make(map[uint64]chan frame),
	}
	hub.respond = func(f frame) frame {
		return frame{Kind: frameResult, ID: f.ID}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hubs/", hub.handle)
	hub.server = httptest.NewServer(mux)
	t.Cleanup(hub.server.Close)
	return hub
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	encoded := r.Header.Get(CredentialHeader)
	if encoded == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		http.Error(w, "bad credential encoding", http.StatusBadRequest)
		return
	}
	var cred envelope.Envelope
	if err := codec.Unmarshal(raw, &cred); err != nil {
		http.Error(w, "bad credential", http.StatusBadRequest)
		return
	}

	var responseHeader http.Header
	h.mu.Lock()
	if h.connectionID != "" {
		responseHeader = http.Header{ConnectionHeader: []string{h.connectionID}}
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.credentials = append(h.credentials, cred)
	h.mu.Unlock()
	h.connected <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := codec.Unmarshal(data, &f); err != nil {
			h.t.Errorf("hub received undecodable frame: %v", err)
			continue
		}
		switch f.Kind {
		case frameInvoke:
			h.mu.Lock()
			respond := h.respond
			h.mu.Unlock()
			reply := respond(f)
			h.write(conn, reply)
		case frameResult:
			h.mu.Lock()
			response, ok := h.pending[f.ID]
			delete(h.pending, f.ID)
			h.mu.Unlock()
			if ok {
				response <- f
			}
		}
	}
}

func (h *fakeHub) write(conn *websocket.Conn, f frame) {
	data, err := codec.Marshal(f)
	if err != nil {
		h.t.Errorf("hub encoding frame: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		h.t.Logf("hub write failed: %v", err)
	}
}

// invokeClient pushes an invoke to the connected client and returns
// the channel the result will arrive on.
func (h *fakeHub) invokeClient(conn *websocket.Conn, method string, args any) chan frame {
	payload, err := codec.Marshal(args)
	if err != nil {
		h.t.Fatalf("encoding args: %v", err)
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	response := make(chan frame, 1)
	h.pending[id] = response
	h.mu.Unlock()
	h.write(conn, frame{Kind: frameInvoke, ID: id, Method: method, Payload: payload})
	return response
}

// setConnectionID makes subsequent handshakes assign the given
// connection ID in the upgrade response.
func (h *fakeHub) setConnectionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectionID = id
}

// dropConnection closes the hub side of the current connection.
func (h *fakeHub) dropConnection(conn *websocket.Conn) {
	conn.Close()
}

func newTestIdentity(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return privateKey
}

// newTestChannel builds a viewer-role channel with a 1ms constant
// backoff so reconnect tests run quickly on the real clock.
func newTestChannel(t *testing.T, hub *fakeHub, role Role) *Channel {
	t.Helper()
	ch, err := New(Config{
		HubURL:   hub.url(),
		Role:     role,
		Identity: newTestIdentity(t),
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})
	if err != nil {
		t.Fatalf("creating channel: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch
}

func TestConnectAttachesSignedCredential(t *testing.T) {
	hub := newFakeHub(t)
	identity := newTestIdentity(t)
	ch, err := New(Config{
		HubURL:   hub.url(),
		Role:     AgentRole(),
		Identity: identity,
	})
	if err != nil {
		t.Fatalf("creating channel: %v", err)
	}
	t.Cleanup(ch.Stop)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state := ch.State(); state != Connected {
		t.Fatalf("state = %v, want Connected", state)
	}

	hub.mu.Lock()
	credential := hub.credentials[0]
	hub.mu.Unlock()

	ring, err := envelope.NewKeyRing(identity.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("building ring: %v", err)
	}
	var payload wire.ConnectCredential
	if err := envelope.Verify(credential, wire.PayloadConnectCredential, ring, &payload); err != nil {
		t.Fatalf("verifying connect credential: %v", err)
	}
	if payload.Role != "agent" {
		t.Fatalf("credential role = %q, want agent", payload.Role)
	}
	if len(payload.Nonce) != 16 {
		t.Fatalf("credential nonce length = %d, want 16", len(payload.Nonce))
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	hub := newFakeHub(t)
	hub.respond = func(f frame) frame {
		var args map[string]any
		if err := codec.Unmarshal(f.Payload, &args); err != nil {
			t.Errorf("decoding invoke args: %v", err)
		}
		result, _ := codec.Marshal(map[string]any{"echo": args["value"]})
		return frame{Kind: frameResult, ID: f.ID, Result: result}
	}

	ch := newTestChannel(t, hub, ViewerRole())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var result map[string]any
	if err := ch.Invoke(context.Background(), "Echo", map[string]any{"value": "ping"}, &result); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result["echo"] != "ping" {
		t.Fatalf("result = %v, want echo=ping", result)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	hub := newFakeHub(t)
	hub.respond = func(f frame) frame {
		return frame{Kind: frameResult, ID: f.ID, Error: "session not found"}
	}

	ch := newTestChannel(t, hub, ViewerRole())
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := ch.Invoke(context.Background(), "CloseTerminalSession", nil, nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("error = %v, want *RemoteError", err)
	}
	if remoteErr.Message != "session not found" {
		t.Fatalf("remote message = %q", remoteErr.Message)
	}
}

func TestInvokeNotConnected(t *testing.T) {
	hub := newFakeHub(t)
	ch := newTestChannel(t, hub, ViewerRole())

	// Never connected.
	if err := ch.Invoke(context.Background(), "Anything", nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}

	// Stopped after connect.
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch.Stop()
	if err := ch.Invoke(context.Background(), "Anything", nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error after stop = %v, want ErrNotConnected", err)
	}
}

func TestOnConnectedHookCanInvoke(t *testing.T) {
	hub := newFakeHub(t)
	hub.respond = func(f frame) frame {
		result, _ := codec.Marshal(map[string]string{"status": "registered"})
		return frame{Kind: frameResult, ID: f.ID, Result: result}
	}

	// The hook's whole job is talking to the hub (the agent announces
	// its state from here), so an Invoke inside it must round-trip.
	announced := make(chan error, 4)
	ch, err := New(Config{
		HubURL:   hub.url(),
		Role:     AgentRole(),
		Identity: newTestIdentity(t),
		Backoff:  func(int) time.Duration { return time.Millisecond },
		OnConnected: func(ctx context.Context, ch *Channel) {
			var result map[string]string
			announced <- ch.Invoke(ctx, "Announce", map[string]string{"host": "test"}, &result)
		},
	})
	if err != nil {
		t.Fatalf("creating channel: %v", err)
	}
	t.Cleanup(ch.Stop)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := testutil.RequireReceive(t, announced, 5*time.Second, "hook invoke"); err != nil {
		t.Fatalf("invoke from OnConnected: %v", err)
	}

	// The hook fires again after a reconnect and can still round-trip.
	first := testutil.RequireReceive(t, hub.connected, 5*time.Second, "initial connection")
	hub.dropConnection(first)
	testutil.RequireReceive(t, hub.connected, 5*time.Second, "reconnection")
	if err := testutil.RequireReceive(t, announced, 5*time.Second, "hook invoke after reconnect"); err != nil {
		t.Fatalf("invoke from OnConnected after reconnect: %v", err)
	}
}

func TestConnectionIDFromHandshake(t *testing.T) {
	hub := newFakeHub(t)
	hub.setConnectionID("conn-1")

	ch := newTestChannel(t, hub, ViewerRole())
	if got := ch.ConnectionID(); got != "" {
		t.Fatalf("connection ID before connect = %q, want empty", got)
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := ch.ConnectionID(); got != "conn-1" {
		t.Fatalf("connection ID = %q, want conn-1", got)
	}

	// A reconnect carries a fresh assignment from the hub.
	first := testutil.RequireReceive(t, hub.connected, 5*time.Second, "initial connection")
	hub.setConnectionID("conn-2")
	hub.dropConnection(first)
	testutil.RequireReceive(t, hub.connected, 5*time.Second, "reconnection")

	// The hub observes the handshake slightly before the client
	// finishes dialing, so allow the new ID a moment to land.
	deadline := time.Now().Add(5 * time.Second)
	for ch.ConnectionID() != "conn-2" {
		if time.Now().After(deadline) {
			t.Fatalf("connection ID = %q after reconnect, want conn-2", ch.ConnectionID())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInboundHandlerAndReplacement(t *testing.T) {
	hub := newFakeHub(t)
	ch := newTestChannel(t, hub, AgentRole())

	calls := make(chan string, 4)
	ch.RegisterHandler("Ping", func(ctx context.Context, payload codec.RawMessage) (any, error) {
		calls <- "first"
		return map[string]string{"from": "first"}, nil
	})
	// Re-registration replaces: only the second handler runs.
	ch.RegisterHandler("Ping", func(ctx context.Context, payload codec.RawMessage) (any, error) {
		calls <- "second"
		return map[string]string{"from": "second"}, nil
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := testutil.RequireReceive(t, hub.connected, 5*time.Second, "hub connection")

	reply := testutil.RequireReceive(t, hub.invokeClient(conn, "Ping", nil), 5*time.Second, "invoke result")
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	var result map[string]string
	if err := codec.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result["from"] != "second" {
		t.Fatalf("handler = %q, want second (replacement)", result["from"])
	}
	if got := testutil.RequireReceive(t, calls, 5*time.Second, "handler call"); got != "second" {
		t.Fatalf("called handler = %q, want second", got)
	}
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	hub := newFakeHub(t)
	ch := newTestChannel(t, hub, AgentRole())

	ch.RegisterHandler("Fails", func(ctx context.Context, payload codec.RawMessage) (any, error) {
		return nil, fmt.Errorf("backing process exited")
	})
	ch.RegisterHandler("Panics", func(ctx context.Context, payload codec.RawMessage) (any, error) {
		panic("handler bug")
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := testutil.RequireReceive(t, hub.connected, 5*time.Second, "hub connection")

	reply := testutil.RequireReceive(t, hub.invokeClient(conn, "Fails", nil), 5*time.Second, "error result")
	if !strings.Contains(reply.Error, "backing process exited") {
		t.Fatalf("error result = %q", reply.Error)
	}

	reply = testutil.RequireReceive(t, hub.invokeClient(conn, "Panics", nil), 5*time.Second, "panic result")
	if !strings.Contains(reply.Error, "panicked") {
		t.Fatalf("panic result = %q", reply.Error)
	}

	// The channel survived both: an unknown method still gets a reply.
	reply = testutil.RequireReceive(t, hub.invokeClient(conn, "Unknown", nil), 5*time.Second, "unknown method result")
	if !strings.Contains(reply.Error, "no handler") {
		t.Fatalf("unknown method result = %q", reply.Error)
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	hub := newFakeHub(t)
	ch := newTestChannel(t, hub, AgentRole())

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := testutil.RequireReceive(t, hub.connected, 5*time.Second, "initial connection")

	hub.dropConnection(first)

	// The channel reconnects in the background; handlers are still
	// registered and invokable on the new connection.
	second := testutil.RequireReceive(t, hub.connected, 5*time.Second, "reconnection")

	done := make(chan struct{})
	ch.RegisterHandler("AfterReconnect", func(ctx context.Context, payload codec.RawMessage) (any, error) {
		close(done)
		return nil, nil
	})
	testutil.RequireReceive(t, hub.invokeClient(second, "AfterReconnect", nil), 5*time.Second, "post-reconnect invoke")
	testutil.RequireClosed(t, done, 5*time.Second, "handler ran after reconnect")

	// Both handshakes carried fresh credentials.
	hub.mu.Lock()
	credentialCount := len(hub.credentials)
	hub.mu.Unlock()
	if credentialCount != 2 {
		t.Fatalf("credential count = %d, want 2", credentialCount)
	}
}

func TestStopPreventsReconnect(t *testing.T) {
	hub := newFakeHub(t)
	ch := newTestChannel(t, hub, AgentRole())

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	testutil.RequireReceive(t, hub.connected, 5*time.Second, "initial connection")

	ch.Stop()
	if state := ch.State(); state != Disconnected {
		t.Fatalf("state after stop = %v, want Disconnected", state)
	}

	// No new connection should arrive even though the backoff is 1ms.
	testutil.RequireNoReceive(t, hub.connected, 100*time.Millisecond, "reconnect after stop")
}

func TestConnectCancellation(t *testing.T) {
	// Dial a port nobody listens on; Connect must return once the
	// context is cancelled instead of retrying forever.
	ch, err := New(Config{
		HubURL:   "ws://127.0.0.1:1",
		Role:     ViewerRole(),
		Identity: newTestIdentity(t),
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})
	if err != nil {
		t.Fatalf("creating channel: %v", err)
	}
	t.Cleanup(ch.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := ch.Connect(ctx); err == nil {
		t.Fatal("connect succeeded against a dead endpoint")
	}
	if state := ch.State(); state != Disconnected {
		t.Fatalf("state = %v, want Disconnected after cancelled connect", state)
	}
}
