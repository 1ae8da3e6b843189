// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the RPC surface shared by the Tether agent,
// viewer, and hub: method names, envelope payload type tags, and the
// request/response structs those methods carry. Everything here
// crosses a trust boundary, so payloads are plain data — validation
// and authorization happen in the envelope and session packages.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one interactive session. It is generated by the
// requester (viewer or hub), is globally unique, and is never reused.
type SessionID = uuid.UUID

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID { return uuid.New() }

// ParseSessionID parses the canonical string form of a session ID.
func ParseSessionID(s string) (SessionID, error) { return uuid.Parse(s) }

// RPC method names. Methods invoked on the agent arrive through the
// hub from a viewer; methods invoked on the viewer are pushed by the
// hub or an agent.
const (
	// MethodCreateTerminalSession opens (or returns the existing)
	// terminal session for a session ID. Argument: a signed envelope
	// containing a TerminalSessionRequest. Result: SessionDescriptor.
	MethodCreateTerminalSession = "CreateTerminalSession"

	// MethodCloseTerminalSession disposes a terminal session.
	// Argument: a signed envelope containing a CloseTerminalRequest.
	MethodCloseTerminalSession = "CloseTerminalSession"

	// MethodWriteToTerminal writes viewer input to a terminal
	// session's stdin. Argument: a signed envelope containing a
	// TerminalInputRequest.
	MethodWriteToTerminal = "WriteToTerminal"

	// MethodGetVncSession starts (or locates) the remote-desktop
	// backend and registers a VNC session. Argument: a signed envelope
	// containing a VncSessionRequest. Result: VncSessionResult.
	MethodGetVncSession = "GetVncSession"

	// MethodChangePowerState requests a host power transition.
	// Argument: a signed envelope containing a PowerStateChange.
	// The session core recognizes the request but does not act on it.
	MethodChangePowerState = "ChangePowerState"

	// MethodSendTerminalOutput delivers one terminal output event to
	// the viewer identified by its hub connection ID. Invoked by the
	// agent; the hub routes it to the viewer connection.
	MethodSendTerminalOutput = "SendTerminalOutput"

	// MethodReceiveDeviceUpdate pushes a device descriptor to a
	// viewer (inbound handler on the viewer channel).
	MethodReceiveDeviceUpdate = "ReceiveDeviceUpdate"

	// MethodRequestDeviceUpdates asks the hub to start streaming
	// device descriptors to the calling viewer.
	MethodRequestDeviceUpdates = "RequestDeviceUpdates"

	// MethodAnnounce is invoked by the agent immediately after
	// (re)connecting to publish its device descriptor.
	MethodAnnounce = "Announce"
)

// PayloadType tags the typed payload inside a signed envelope. A
// handler must reject any envelope whose declared type differs from
// the type it expects, even when the bytes happen to decode.
type PayloadType uint16

const (
	PayloadInvalid PayloadType = iota
	PayloadTerminalSessionRequest
	PayloadCloseTerminalRequest
	PayloadTerminalInputRequest
	PayloadVncSessionRequest
	PayloadPowerStateChange
	PayloadConnectCredential
)

// String returns the wire name of the payload type for logs.
func (t PayloadType) String() string {
	switch t {
	case PayloadTerminalSessionRequest:
		return "terminal-session-request"
	case PayloadCloseTerminalRequest:
		return "close-terminal-request"
	case PayloadTerminalInputRequest:
		return "terminal-input-request"
	case PayloadVncSessionRequest:
		return "vnc-session-request"
	case PayloadPowerStateChange:
		return "power-state-change"
	case PayloadConnectCredential:
		return "connect-credential"
	default:
		return "invalid"
	}
}

// TerminalSessionRequest asks the agent to open an interactive shell
// bound to SessionID, relaying output to the viewer connection.
type TerminalSessionRequest struct {
	SessionID          SessionID `cbor:"session_id"`
	ViewerConnectionID string    `cbor:"viewer_connection_id"`
}

// CloseTerminalRequest asks the agent to dispose a terminal session.
type CloseTerminalRequest struct {
	SessionID SessionID `cbor:"session_id"`
}

// TerminalInputRequest carries viewer keystrokes for a session's
// stdin. TimeoutMillis bounds the write; zero means the agent default.
type TerminalInputRequest struct {
	SessionID     SessionID `cbor:"session_id"`
	Input         string    `cbor:"input"`
	TimeoutMillis int64     `cbor:"timeout_millis,omitempty"`
}

// VncSessionRequest asks the agent to configure and start the
// remote-desktop backend for SessionID.
type VncSessionRequest struct {
	SessionID SessionID `cbor:"session_id"`
	Password  string    `cbor:"password"`
}

// VncSessionResult reports the outcome of a VNC session request.
type VncSessionResult struct {
	Created bool `cbor:"created"`
	Started bool `cbor:"started"`
}

// SessionDescriptor describes an established session to the requester.
type SessionDescriptor struct {
	SessionID SessionID `cbor:"session_id"`
	CreatedAt time.Time `cbor:"created_at"`
}

// OutputStream tags which standard stream an output event came from.
type OutputStream uint8

const (
	StandardOutput OutputStream = iota
	StandardError
)

// String returns the stream name for logs.
func (s OutputStream) String() string {
	if s == StandardError {
		return "stderr"
	}
	return "stdout"
}

// OutputEvent is one line of terminal output. Events for a session are
// delivered in the order the backing process emitted them. There is no
// sequence number: a relay call lost in transit is undetectable by the
// viewer. Known gap, kept deliberately.
type OutputEvent struct {
	SessionID SessionID    `cbor:"session_id"`
	Stream    OutputStream `cbor:"stream"`
	Line      string       `cbor:"line"`
	At        time.Time    `cbor:"at"`
}

// TerminalOutputDelivery is the argument of SendTerminalOutput: one
// output event addressed to a viewer connection. The hub routes on
// ViewerConnectionID and forwards the event.
type TerminalOutputDelivery struct {
	ViewerConnectionID string      `cbor:"viewer_connection_id"`
	Event              OutputEvent `cbor:"event"`
}

// PowerStateChange requests a host power transition. Tether's session
// core recognizes the payload type but does not act on it.
type PowerStateChange struct {
	Action string `cbor:"action"`
}

// DeviceDescriptor summarizes an agent for viewer device lists. The
// full inventory/heartbeat payload is built outside the session core.
type DeviceDescriptor struct {
	DeviceID  string    `cbor:"device_id"`
	Hostname  string    `cbor:"hostname"`
	Platform  string    `cbor:"platform"`
	AgentName string    `cbor:"agent_name"`
	SeenAt    time.Time `cbor:"seen_at"`
}

// ConnectCredential is signed by a connecting client and attached to
// the websocket handshake. The hub verifies it before admitting the
// connection. The nonce binds the credential to one handshake so a
// captured credential cannot be replayed later.
type ConnectCredential struct {
	Role     string    `cbor:"role"`
	Nonce    []byte    `cbor:"nonce"`
	IssuedAt time.Time `cbor:"issued_at"`
}
