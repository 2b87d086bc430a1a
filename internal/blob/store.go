// Package blob provides the content-addressed byte store behind the share
// and fetch commands: blake3-addressed storage (in memory or SQLite),
// shareable tickets, and the peer fetch protocol.
package blob

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// FormatRaw is the only blob format produced by this store.
const FormatRaw = "raw"

// HashLength is the byte length of a content hash (blake3-256).
const HashLength = 32

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("blob not found")

// Handle identifies stored content.
type Handle struct {
	Hash   string // hex-encoded blake3-256 of the content
	Format string
	Size   int64
}

// HashBytes computes the hex-encoded blake3-256 content hash.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is a content-addressed blob store. Put is idempotent per hash.
type Store interface {
	Put(data []byte) (Handle, error)
	PutFile(path string) (Handle, error)
	Get(hash string) ([]byte, error)
	Has(hash string) (bool, error)
	Close() error
}

// MemStore is an in-memory Store, useful for tests and --mem-blobs runs.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

// Put stores data under its content hash.
func (s *MemStore) Put(data []byte) (Handle, error) {
	hash := HashBytes(data)
	s.mu.Lock()
	if _, ok := s.blobs[hash]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[hash] = cp
	}
	s.mu.Unlock()
	return Handle{Hash: hash, Format: FormatRaw, Size: int64(len(data))}, nil
}

// PutFile stores the contents of the file at path.
func (s *MemStore) PutFile(path string) (Handle, error) {
	return putFile(s, path)
}

// Get returns the content for a hash, or ErrNotFound.
func (s *MemStore) Get(hash string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Has reports whether content for the hash is stored.
func (s *MemStore) Has(hash string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[hash]
	s.mu.RUnlock()
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

// SQLiteStore persists blobs in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
// Pass ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping blob store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		hash_hex TEXT PRIMARY KEY,
		format TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put stores data under its content hash. Re-inserting an existing hash is
// a no-op.
func (s *SQLiteStore) Put(data []byte) (Handle, error) {
	hash := HashBytes(data)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO blobs (hash_hex, format, data, created_at) VALUES (?, ?, ?, ?)`,
		hash, FormatRaw, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("insert blob: %w", err)
	}
	return Handle{Hash: hash, Format: FormatRaw, Size: int64(len(data))}, nil
}

// PutFile stores the contents of the file at path.
func (s *SQLiteStore) PutFile(path string) (Handle, error) {
	return putFile(s, path)
}

// Get returns the content for a hash, or ErrNotFound.
func (s *SQLiteStore) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE hash_hex = ?`, hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return data, nil
}

// Has reports whether content for the hash is stored.
func (s *SQLiteStore) Has(hash string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM blobs WHERE hash_hex = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query blob: %w", err)
	}
	return true, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func putFile(s Store, path string) (Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handle{}, err
	}
	return s.Put(data)
}
