// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tether-remote/tether/wire"
)

// FailureKind classifies envelope rejections.
type FailureKind uint8

const (
	// SignatureInvalid: the signature does not verify against the
	// payload bytes under the declared public key.
	SignatureInvalid FailureKind = iota + 1
	// KeyNotAuthorized: the signature verifies but the signer's key is
	// not in the authorized set.
	KeyNotAuthorized
	// PayloadMalformed: the declared type does not match the handler's
	// expected type, or the payload bytes fail to decode.
	PayloadMalformed
)

// String returns the kind name for logs.
func (k FailureKind) String() string {
	switch k {
	case SignatureInvalid:
		return "signature-invalid"
	case KeyNotAuthorized:
		return "key-not-authorized"
	case PayloadMalformed:
		return "payload-malformed"
	default:
		return "unknown"
	}
}

// Sentinel errors for errors.Is tests. Every *VerificationError
// matches exactly one of these.
var (
	ErrSignatureInvalid = errors.New("envelope: signature invalid")
	ErrKeyNotAuthorized = errors.New("envelope: key not authorized")
	ErrPayloadMalformed = errors.New("envelope: payload malformed")
)

// VerificationError reports why an envelope was rejected. PublicKey is
// the key the envelope declared — for KeyNotAuthorized it identifies
// the unauthorized sender; for SignatureInvalid it is unverified and
// must be treated as attacker-controlled.
type VerificationError struct {
	Kind      FailureKind
	PublicKey []byte
	Type      wire.PayloadType
	Detail    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("envelope: %s (type %s, key %s): %s",
		e.Kind, e.Type, hex.EncodeToString(e.PublicKey), e.Detail)
}

// Is maps the error onto its sentinel so callers can use errors.Is
// without reaching into the struct.
func (e *VerificationError) Is(target error) bool {
	switch target {
	case ErrSignatureInvalid:
		return e.Kind == SignatureInvalid
	case ErrKeyNotAuthorized:
		return e.Kind == KeyNotAuthorized
	case ErrPayloadMalformed:
		return e.Kind == PayloadMalformed
	}
	return false
}
