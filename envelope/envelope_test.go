// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/tether-remote/tether/wire"
)

// newTestKeypair generates a fresh Ed25519 keypair for testing.
func newTestKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating Ed25519 keypair: %v", err)
	}
	return publicKey, privateKey
}

func mustRing(t *testing.T, keys ...ed25519.PublicKey) *KeyRing {
	t.Helper()
	ring, err := NewKeyRing(keys...)
	if err != nil {
		t.Fatalf("building key ring: %v", err)
	}
	return ring
}

func TestSignVerifyRoundTrip(t *testing.T) {
	publicKey, privateKey := newTestKeypair(t)
	ring := mustRing(t, publicKey)

	request := wire.TerminalSessionRequest{
		SessionID:          wire.NewSessionID(),
		ViewerConnectionID: "viewer-42",
	}
	env, err := Sign(wire.PayloadTerminalSessionRequest, request, privateKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	var decoded wire.TerminalSessionRequest
	if err := Verify(env, wire.PayloadTerminalSessionRequest, ring, &decoded); err != nil {
		t.Fatalf("verifying freshly signed envelope: %v", err)
	}
	if decoded.SessionID != request.SessionID {
		t.Fatalf("SessionID = %v, want %v", decoded.SessionID, request.SessionID)
	}
	if decoded.ViewerConnectionID != request.ViewerConnectionID {
		t.Fatalf("ViewerConnectionID = %q, want %q", decoded.ViewerConnectionID, request.ViewerConnectionID)
	}
}

func TestVerifyUnauthorizedKey(t *testing.T) {
	authorizedKey, _ := newTestKeypair(t)
	_, roguePrivate := newTestKeypair(t)
	ring := mustRing(t, authorizedKey)

	env, err := Sign(wire.PayloadCloseTerminalRequest, wire.CloseTerminalRequest{SessionID: wire.NewSessionID()}, roguePrivate)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	var out wire.CloseTerminalRequest
	err = Verify(env, wire.PayloadCloseTerminalRequest, ring, &out)
	if !errors.Is(err, ErrKeyNotAuthorized) {
		t.Fatalf("error = %v, want ErrKeyNotAuthorized", err)
	}
}

// TestVerifyTampered flips every byte of the payload and the
// signature, one position at a time, and requires SignatureInvalid
// for each mutation.
func TestVerifyTampered(t *testing.T) {
	publicKey, privateKey := newTestKeypair(t)
	ring := mustRing(t, publicKey)

	env, err := Sign(wire.PayloadVncSessionRequest, wire.VncSessionRequest{
		SessionID: wire.NewSessionID(),
		Password:  "hunter2",
	}, privateKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	check := func(name string, mutated Envelope, position int) {
		t.Helper()
		var out wire.VncSessionRequest
		if err := Verify(mutated, wire.PayloadVncSessionRequest, ring, &out); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("%s byte %d: error = %v, want ErrSignatureInvalid", name, position, err)
		}
	}

	for position := range env.Payload {
		mutated := env
		mutated.Payload = append([]byte(nil), env.Payload...)
		mutated.Payload[position] ^= 0x01
		check("payload", mutated, position)
	}
	for position := range env.Signature {
		mutated := env
		mutated.Signature = append([]byte(nil), env.Signature...)
		mutated.Signature[position] ^= 0x01
		check("signature", mutated, position)
	}
}

// TestVerifyTypeMismatch signs a payload under one type tag and
// presents it to a handler expecting another. The bytes would decode
// fine — the type binding must reject it anyway.
func TestVerifyTypeMismatch(t *testing.T) {
	publicKey, privateKey := newTestKeypair(t)
	ring := mustRing(t, publicKey)

	env, err := Sign(wire.PayloadCloseTerminalRequest, wire.CloseTerminalRequest{SessionID: wire.NewSessionID()}, privateKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	var out wire.TerminalSessionRequest
	err = Verify(env, wire.PayloadTerminalSessionRequest, ring, &out)
	if !errors.Is(err, ErrPayloadMalformed) {
		t.Fatalf("error = %v, want ErrPayloadMalformed", err)
	}
}

// TestVerifyRetaggedEnvelope rewrites the declared type tag on a
// signed envelope. The signature covers the tag, so this must fail as
// a signature error, not decode under the new tag.
func TestVerifyRetaggedEnvelope(t *testing.T) {
	publicKey, privateKey := newTestKeypair(t)
	ring := mustRing(t, publicKey)

	env, err := Sign(wire.PayloadCloseTerminalRequest, wire.CloseTerminalRequest{SessionID: wire.NewSessionID()}, privateKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	env.PayloadType = wire.PayloadTerminalSessionRequest

	var out wire.TerminalSessionRequest
	err = Verify(env, wire.PayloadTerminalSessionRequest, ring, &out)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("error = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyMalformedPayloadBytes(t *testing.T) {
	publicKey, privateKey := newTestKeypair(t)
	ring := mustRing(t, publicKey)

	// Sign raw bytes that are not a TerminalSessionRequest structure.
	env, err := Sign(wire.PayloadTerminalSessionRequest, "not a struct", privateKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	var out wire.TerminalSessionRequest
	err = Verify(env, wire.PayloadTerminalSessionRequest, ring, &out)
	if !errors.Is(err, ErrPayloadMalformed) {
		t.Fatalf("error = %v, want ErrPayloadMalformed", err)
	}
}

func TestKeyRingValidation(t *testing.T) {
	if _, err := NewKeyRing(); err == nil {
		t.Fatal("empty key ring accepted")
	}
	if _, err := NewKeyRing(ed25519.PublicKey("short")); err == nil {
		t.Fatal("truncated key accepted")
	}
	if _, err := ParseKeyRing([]string{"zz"}); err == nil {
		t.Fatal("non-hex key accepted")
	}
}
