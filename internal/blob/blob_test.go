package blob

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ssd-technologies/vesper/internal/identity"
	"github.com/ssd-technologies/vesper/internal/transport"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("hello, vesper")

			h, err := store.Put(data)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if h.Hash != HashBytes(data) {
				t.Fatalf("handle hash mismatch: %s", h.Hash)
			}
			if h.Size != int64(len(data)) {
				t.Fatalf("handle size mismatch: %d", h.Size)
			}
			if h.Format != FormatRaw {
				t.Fatalf("unexpected format: %s", h.Format)
			}

			// Idempotent per hash.
			again, err := store.Put(data)
			if err != nil {
				t.Fatalf("re-put: %v", err)
			}
			if again.Hash != h.Hash {
				t.Fatalf("re-put changed hash: %s vs %s", again.Hash, h.Hash)
			}

			got, err := store.Get(h.Hash)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("content mismatch: %q", got)
			}

			ok, err := store.Has(h.Hash)
			if err != nil || !ok {
				t.Fatalf("has: %v, %v", ok, err)
			}

			missing := HashBytes([]byte("something else"))
			if _, err := store.Get(missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if ok, err := store.Has(missing); err != nil || ok {
				t.Fatalf("has missing: %v, %v", ok, err)
			}
		})
	}
}

func TestPutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	content := []byte("file content")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	store := NewMemStore()
	h, err := store.PutFile(path)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	if h.Hash != HashBytes(content) {
		t.Fatalf("hash mismatch: %s", h.Hash)
	}

	if _, err := store.PutFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTicketRoundTrip(t *testing.T) {
	store := NewMemStore()
	h, err := store.Put([]byte("ticketed content"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	provider := identity.FromPublicKey(pub)

	ticket := NewTicket(h, provider, "127.0.0.1:9000")
	encoded := ticket.String()
	if !strings.HasPrefix(encoded, "blobv1") {
		t.Fatalf("missing prefix: %q", encoded)
	}
	if encoded != strings.ToLower(encoded) {
		t.Fatalf("ticket not lowercase: %q", encoded)
	}

	parsed, err := ParseTicket(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ticket {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, ticket)
	}
}

func TestParseTicketRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"notaticket",
		"blobv1",         // empty body
		"blobv1!!!!",     // not base32
		"blobv1mfrgg===", // padding not allowed
		Ticket{Hash: "abcd", Format: FormatRaw, Provider: "p"}.String(), // short hash
		Ticket{Hash: HashBytes(nil), Format: FormatRaw}.String(),        // missing provider
	} {
		if _, err := ParseTicket(bad); !errors.Is(err, ErrInvalidTicket) {
			t.Fatalf("ParseTicket(%q): expected ErrInvalidTicket, got %v", bad, err)
		}
	}
}

func newTestEndpoint(t *testing.T) *transport.Endpoint {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := transport.NewEndpoint(identity.FromPublicKey(pub), pub, priv)
	if err := e.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestFetchRoundTrip(t *testing.T) {
	provider := newTestEndpoint(t)
	consumer := newTestEndpoint(t)

	providerStore := NewMemStore()
	provider.Handle(ProtocolID, NewProtocolHandler(providerStore))

	// Larger than one chunk to exercise reassembly.
	data := bytes.Repeat([]byte("0123456789abcdef"), 10*1024) // 160 KB
	h, err := providerStore.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ticket := NewTicket(h, provider.ID(), provider.Addr())

	consumer.SetAddr(ticket.Provider, ticket.Address)
	conn, err := consumer.Connect(ticket.Provider)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	localStore := NewMemStore()
	got, err := Fetch(ctx, conn, ticket, localStore)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("fetched content mismatch: %d bytes vs %d", len(got), len(data))
	}

	// Fetched content is persisted locally.
	ok, err := localStore.Has(h.Hash)
	if err != nil || !ok {
		t.Fatalf("fetched blob not stored locally: %v, %v", ok, err)
	}
}

func TestFetchMissingBlob(t *testing.T) {
	provider := newTestEndpoint(t)
	consumer := newTestEndpoint(t)

	provider.Handle(ProtocolID, NewProtocolHandler(NewMemStore()))

	ticket := Ticket{
		Hash:     HashBytes([]byte("never shared")),
		Format:   FormatRaw,
		Provider: provider.ID(),
		Address:  provider.Addr(),
	}

	consumer.SetAddr(ticket.Provider, ticket.Address)
	conn, err := consumer.Connect(ticket.Provider)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := Fetch(ctx, conn, ticket, NewMemStore()); err == nil {
		t.Fatal("expected fetch of unknown hash to fail")
	}
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("abc"))
	if len(h) != HashLength*2 {
		t.Fatalf("expected %d hex chars, got %d", HashLength*2, len(h))
	}
	if h == HashBytes([]byte("abd")) {
		t.Fatal("different content produced the same hash")
	}
	if h != HashBytes([]byte("abc")) {
		t.Fatal("hash not deterministic")
	}
}
