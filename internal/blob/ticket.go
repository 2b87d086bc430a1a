package blob

import (
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ticketPrefix marks the textual encoding of a Ticket.
const ticketPrefix = "blobv1"

// ErrInvalidTicket is returned for ticket strings that cannot be parsed.
var ErrInvalidTicket = errors.New("invalid blob ticket")

// ticketEncoding is lowercase base32 without padding, keeping tickets
// copy-paste safe.
var ticketEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Ticket is a self-describing reference to stored content plus the provider
// that can serve it. Its textual encoding is the only externally visible
// form.
type Ticket struct {
	Hash     string `json:"hash"`
	Format   string `json:"format"`
	Provider string `json:"provider"` // agent identity
	Address  string `json:"address"`  // provider dial address
}

// NewTicket builds a ticket for a stored handle served by provider at addr.
func NewTicket(h Handle, provider, addr string) Ticket {
	return Ticket{Hash: h.Hash, Format: h.Format, Provider: provider, Address: addr}
}

// String encodes the ticket as "blobv1" + base32(json), lowercase.
func (t Ticket) String() string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return ticketPrefix + strings.ToLower(ticketEncoding.EncodeToString(data))
}

// ParseTicket decodes and validates a textual ticket. It never performs any
// network activity; a malformed ticket fails here before a connection is
// attempted.
func ParseTicket(s string) (Ticket, error) {
	if !strings.HasPrefix(s, ticketPrefix) {
		return Ticket{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidTicket, ticketPrefix)
	}
	raw, err := ticketEncoding.DecodeString(strings.ToUpper(s[len(ticketPrefix):]))
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	hashBytes, err := hex.DecodeString(t.Hash)
	if err != nil || len(hashBytes) != HashLength {
		return Ticket{}, fmt.Errorf("%w: bad content hash", ErrInvalidTicket)
	}
	if t.Provider == "" {
		return Ticket{}, fmt.Errorf("%w: missing provider", ErrInvalidTicket)
	}
	return t, nil
}
