// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "github.com/tether-remote/tether/lib/codec"

// frameKind distinguishes the two message shapes on the wire.
type frameKind uint8

const (
	// frameInvoke carries a method call. The sender expects a
	// frameResult with the same ID.
	frameInvoke frameKind = iota + 1
	// frameResult carries the outcome of an earlier invoke.
	frameResult
)

// frame is the unit of exchange on the websocket. Every message is one
// CBOR-encoded frame in a binary websocket message. Invoke IDs are
// monotonic over the channel's lifetime, not per connection; pending
// invokes fail when the transport drops, so an ID never straddles two
// connections.
type frame struct {
	Kind    frameKind        `cbor:"kind"`
	ID      uint64           `cbor:"id"`
	Method  string           `cbor:"method,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
	Result  codec.RawMessage `cbor:"result,omitempty"`
	Error   string           `cbor:"error,omitempty"`
}
