package identity

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

// Encrypted key files start with this magic, followed by salt, nonce, and
// the GCM-sealed seed. Plaintext key files are the raw 32-byte seed.
var keyFileMagic = []byte("VESPERK1")

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 32
	nonceLen     = 12
)

// LoadOrCreateKey loads an Ed25519 keypair from keyPath, or generates and
// persists a new one if the file does not exist. With a non-empty passphrase
// the seed is stored encrypted (argon2id + AES-256-GCM); loading an encrypted
// file with the wrong or missing passphrase is an error.
func LoadOrCreateKey(keyPath, passphrase string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return decodeKeyFile(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}

	encoded, err := encodeKeyFile(priv.Seed(), passphrase)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(keyPath, encoded, 0600); err != nil {
		return nil, nil, fmt.Errorf("write key file: %w", err)
	}
	return pub, priv, nil
}

func encodeKeyFile(seed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return seed, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(keyFileMagic)+saltLen+nonceLen+len(seed)+gcm.Overhead())
	out = append(out, keyFileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, seed, nil)
	return out, nil
}

func decodeKeyFile(data []byte, passphrase string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if !bytes.HasPrefix(data, keyFileMagic) {
		if len(data) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("invalid key file: expected %d-byte seed, got %d bytes", ed25519.SeedSize, len(data))
		}
		priv := ed25519.NewKeyFromSeed(data)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}

	if passphrase == "" {
		return nil, nil, fmt.Errorf("key file is encrypted but no passphrase was provided")
	}
	rest := data[len(keyFileMagic):]
	if len(rest) < saltLen+nonceLen {
		return nil, nil, fmt.Errorf("invalid encrypted key file: truncated header")
	}
	salt := rest[:saltLen]
	nonce := rest[saltLen : saltLen+nonceLen]
	sealed := rest[saltLen+nonceLen:]

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("new gcm: %w", err)
	}
	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("invalid decrypted seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}
