// Package identity provides the Vesper agent identity: a stable 256-bit ID
// derived from an Ed25519 public key, its textual (hex) form used on the wire
// and in the command bridge, and persistence of the underlying keypair.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IDLength is the byte length of an agent ID (256 bits).
const IDLength = 32

// EncodedLength is the length of the hex-encoded textual form.
const EncodedLength = IDLength * 2

// ErrInvalidIdentity is returned for identity strings that are not 64
// lowercase hex characters.
var ErrInvalidIdentity = errors.New("invalid agent identity")

// FromPublicKey computes SHA-256 of an Ed25519 public key to produce a
// uniformly distributed agent ID, returned in its textual hex form.
func FromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Parse validates an identity string and returns its canonical (lowercase)
// form. The identity is opaque to callers; Parse only checks that it is a
// well-formed 64-character hex string.
func Parse(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != EncodedLength {
		return "", fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidIdentity, EncodedLength, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return s, nil
}

// ParseAddr parses either a bare identity "<id>" or the dialable form
// "<id>@host:port". The returned addr is empty for the bare form.
func ParseAddr(s string) (id, addr string, err error) {
	idPart, addrPart, found := strings.Cut(s, "@")
	id, err = Parse(idPart)
	if err != nil {
		return "", "", err
	}
	if found {
		if addrPart == "" {
			return "", "", fmt.Errorf("%w: empty address after '@'", ErrInvalidIdentity)
		}
		addr = addrPart
	}
	return id, addr, nil
}

// Short returns an abbreviated identity for log messages.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
