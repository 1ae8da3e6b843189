// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements Tether's signed command envelope. Every
// inbound command — open a terminal, start a VNC backend, write to a
// shell — arrives wrapped in an Envelope carrying the signer's Ed25519
// public key and a signature over the typed payload bytes. An agent
// acts on a command only when the signature verifies and the signer's
// key is present in its authorized-key ring.
//
// Verification is a pure function; the Verifier wrapper adds the one
// mandated side effect: every rejection is audit-logged with the
// offending public key. A rejected envelope is a security event, not
// a warning.
package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/tether-remote/tether/lib/codec"
	"github.com/tether-remote/tether/wire"
)

// Envelope wraps a typed payload with the signer's identity. Treat it
// as immutable once constructed: the signature covers the payload type
// and payload bytes, so mutating either invalidates it.
type Envelope struct {
	PayloadType wire.PayloadType `cbor:"payload_type"`
	Payload     []byte           `cbor:"payload"`
	PublicKey   []byte           `cbor:"public_key"`
	Signature   []byte           `cbor:"signature"`
}

// signedBytes builds the exact byte string the signature covers: a
// two-byte big-endian payload type prefix followed by the payload.
// Binding the type tag prevents a signed payload from being replayed
// to a handler expecting a different type whose CBOR happens to
// decode.
func signedBytes(payloadType wire.PayloadType, payload []byte) []byte {
	message := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(message, uint16(payloadType))
	return append(message, payload...)
}

// Sign serializes payload deterministically and signs it with the
// private key. Equal inputs and key always yield a verifiable
// envelope (Ed25519 signatures are deterministic, but callers must
// not rely on byte-identical signatures across schemes).
func Sign(payloadType wire.PayloadType, payload any, key ed25519.PrivateKey) (Envelope, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Envelope{}, fmt.Errorf("envelope: private key has wrong length: got %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}

	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encoding %s payload: %w", payloadType, err)
	}

	publicKey := key.Public().(ed25519.PublicKey)
	return Envelope{
		PayloadType: payloadType,
		Payload:     encoded,
		PublicKey:   append([]byte(nil), publicKey...),
		Signature:   ed25519.Sign(key, signedBytes(payloadType, encoded)),
	}, nil
}

// Verify checks env against the ring and decodes its payload into out.
// It is a pure function — no logging, no side effects. Order of
// checks:
//
//  1. Structural validity of the declared public key.
//  2. Signature over (type prefix || payload bytes).
//  3. Key membership in the authorized ring.
//  4. Declared type matches the handler's expected type.
//  5. CBOR decode of the payload into out.
//
// The signature is checked before ring membership so callers can
// distinguish forgery (SignatureInvalid) from a genuine sender that is
// simply not authorized (KeyNotAuthorized).
func Verify(env Envelope, want wire.PayloadType, ring *KeyRing, out any) error {
	if len(env.PublicKey) != ed25519.PublicKeySize {
		return &VerificationError{
			Kind:      SignatureInvalid,
			PublicKey: env.PublicKey,
			Type:      env.PayloadType,
			Detail:    fmt.Sprintf("public key has wrong length: got %d bytes, want %d", len(env.PublicKey), ed25519.PublicKeySize),
		}
	}

	if !ed25519.Verify(ed25519.PublicKey(env.PublicKey), signedBytes(env.PayloadType, env.Payload), env.Signature) {
		return &VerificationError{
			Kind:      SignatureInvalid,
			PublicKey: env.PublicKey,
			Type:      env.PayloadType,
			Detail:    "signature does not match payload bytes",
		}
	}

	if !ring.Authorized(env.PublicKey) {
		return &VerificationError{
			Kind:      KeyNotAuthorized,
			PublicKey: env.PublicKey,
			Type:      env.PayloadType,
			Detail:    "signer is not in the authorized key set",
		}
	}

	if env.PayloadType != want {
		return &VerificationError{
			Kind:      PayloadMalformed,
			PublicKey: env.PublicKey,
			Type:      env.PayloadType,
			Detail:    fmt.Sprintf("payload type %s does not match expected %s", env.PayloadType, want),
		}
	}

	if err := codec.Unmarshal(env.Payload, out); err != nil {
		return &VerificationError{
			Kind:      PayloadMalformed,
			PublicKey: env.PublicKey,
			Type:      env.PayloadType,
			Detail:    fmt.Sprintf("decoding payload: %v", err),
		}
	}

	return nil
}
