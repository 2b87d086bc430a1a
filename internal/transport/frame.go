package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame types
const (
	FrameHello    = "HELLO"
	FrameRequest  = "REQ"
	FrameResponse = "RES"
	FrameItem     = "ITEM"
	FrameEnd      = "END"
	FrameError    = "ERR"
)

// Sender identifies the frame sender. PublicKey is the hex-encoded Ed25519
// public key; the receiver checks that its SHA-256 matches AgentID before
// trusting the signature.
type Sender struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
	Address   string `json:"address,omitempty"`
}

// Frame is the common envelope for all protocol traffic on a connection.
// Request/response correlation uses the ID field; stream items reuse the
// ID of the request that opened the stream.
type Frame struct {
	Proto     string          `json:"proto"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Method    string          `json:"method,omitempty"`
	Sender    Sender          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// signable returns the bytes that are signed. Each field is length-prefixed
// so bytes cannot be spliced between adjacent fields without invalidating
// the signature.
func (f *Frame) signable() []byte {
	fields := []string{
		f.Proto,
		f.Type,
		f.ID,
		f.Method,
		strconv.FormatInt(f.Timestamp, 10),
		string(f.Payload),
	}
	var b bytes.Buffer
	for _, field := range fields {
		b.WriteString(strconv.Itoa(len(field)))
		b.WriteByte(':')
		b.WriteString(field)
	}
	return b.Bytes()
}

// Sign signs the frame with the given private key.
func (f *Frame) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, f.signable())
	f.Signature = hex.EncodeToString(sig)
}

// Verify checks that the sender's public key matches the claimed agent ID and
// that the signature is valid for the frame contents.
func (f *Frame) Verify() error {
	if f.Signature == "" {
		return fmt.Errorf("frame has no signature")
	}
	pubBytes, err := hex.DecodeString(f.Sender.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid sender public key")
	}
	sum := sha256.Sum256(pubBytes)
	if hex.EncodeToString(sum[:]) != f.Sender.AgentID {
		return fmt.Errorf("sender public key does not match agent ID")
	}
	sig, err := hex.DecodeString(f.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), f.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// ErrorPayload is the payload of an ERR frame.
type ErrorPayload struct {
	Error string `json:"error"`
}
