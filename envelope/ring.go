// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tether-remote/tether/wire"
)

// KeyRing is the immutable set of Ed25519 public keys authorized to
// command this agent. It is built once at configuration load; there is
// deliberately no mutation path — key management happens outside the
// session core, and a restart picks up changes.
type KeyRing struct {
	keys map[string]struct{}
}

// NewKeyRing builds a ring from raw 32-byte public keys. Rejects keys
// of the wrong length and an empty set: an agent with no authorized
// keys can never act on anything, which is a configuration mistake,
// not a useful state.
func NewKeyRing(keys ...ed25519.PublicKey) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("envelope: key ring requires at least one authorized key")
	}
	ring := &KeyRing{keys: make(map[string]struct{}, len(keys))}
	for i, key := range keys {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("envelope: authorized key %d has wrong length: got %d bytes, want %d", i, len(key), ed25519.PublicKeySize)
		}
		ring.keys[string(key)] = struct{}{}
	}
	return ring, nil
}

// ParseKeyRing builds a ring from hex-encoded public keys, the form
// they take in configuration files.
func ParseKeyRing(hexKeys []string) (*KeyRing, error) {
	keys := make([]ed25519.PublicKey, 0, len(hexKeys))
	for i, encoded := range hexKeys {
		decoded, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("envelope: authorized key %d is not valid hex: %w", i, err)
		}
		keys = append(keys, ed25519.PublicKey(decoded))
	}
	return NewKeyRing(keys...)
}

// Authorized reports whether the key is in the ring.
func (r *KeyRing) Authorized(key []byte) bool {
	_, ok := r.keys[string(key)]
	return ok
}

// Len returns the number of authorized keys.
func (r *KeyRing) Len() int { return len(r.keys) }

// Verifier couples a KeyRing with the audit log. Handlers use it
// instead of the pure Verify function so that every rejection is
// reported — a malformed or unauthorized envelope must never be
// silently dropped.
type Verifier struct {
	ring   *KeyRing
	logger *slog.Logger
}

// NewVerifier creates a Verifier. A nil logger defaults to
// slog.Default().
func NewVerifier(ring *KeyRing, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{ring: ring, logger: logger}
}

// Verify checks the envelope and decodes its payload into out. On
// rejection it audit-logs the failure with the offending public key
// and returns the *VerificationError.
func (v *Verifier) Verify(env Envelope, want wire.PayloadType, out any) error {
	err := Verify(env, want, v.ring, out)
	if err == nil {
		return nil
	}

	var verr *VerificationError
	if errors.As(err, &verr) {
		v.logger.Error("rejected signed envelope",
			"kind", verr.Kind.String(),
			"payload_type", verr.Type.String(),
			"public_key", hex.EncodeToString(verr.PublicKey),
			"detail", verr.Detail,
		)
	}
	return err
}
