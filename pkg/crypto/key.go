package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of generated keys (AES-128)
	KeySize = 16

	// KeyFileMode is the file permission for key files (owner read/write only)
	KeyFileMode = 0600
)

// Argon2id cost parameters for passphrase keys. Changing them changes every
// derived key, so relay and clients must agree.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrKeyFileCorrupt = errors.New("key file is corrupt")
	ErrKeyDestroyed   = errors.New("key has been destroyed")
)

// Key is a shared symmetric key kept in locked, guarded memory
type Key struct {
	buf *memguard.LockedBuffer
}

// NewKey copies raw into guarded memory. raw must be a valid AES key length
// and is wiped afterwards.
func NewKey(raw []byte) (*Key, error) {
	switch len(raw) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	buf := memguard.NewBufferFromBytes(raw)
	buf.Freeze()
	return &Key{buf: buf}, nil
}

// GenerateKey creates a new random AES-128 key
func GenerateKey() (*Key, error) {
	buf := memguard.NewBufferRandom(KeySize)
	if buf.Size() != KeySize {
		return nil, errors.New("failed to allocate key buffer")
	}
	buf.Freeze()
	return &Key{buf: buf}, nil
}

// DeriveKeyFromPassphrase derives an AES-128 key from a passphrase with Argon2id
func DeriveKeyFromPassphrase(passphrase, salt string) (*Key, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	raw := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize)
	return NewKey(raw)
}

// Size returns the key length in bytes
func (k *Key) Size() int {
	if k == nil || k.buf == nil {
		return 0
	}
	return k.buf.Size()
}

// Destroy wipes the key material
func (k *Key) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}

// Equal compares two keys in constant time
func (k *Key) Equal(other *Key) bool {
	if k.Size() == 0 || other.Size() == 0 {
		return false
	}
	return k.buf.EqualTo(other.buf.Bytes())
}

// with calls fn with the raw key bytes. fn must not retain the slice.
func (k *Key) with(fn func(key []byte) error) error {
	if k == nil || k.buf == nil || !k.buf.IsAlive() {
		return ErrKeyDestroyed
	}
	return fn(k.buf.Bytes())
}

// ReadKeyFromFile loads a key. The file holds either the Base64 encoding of
// the key or exactly 16, 24 or 32 raw bytes.
func ReadKeyFromFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	defer memguard.WipeBytes(data)

	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); err == nil {
		key, err := NewKey(decoded)
		if err == nil {
			return key, nil
		}
		memguard.WipeBytes(decoded)
	}

	switch len(data) {
	case 16, 24, 32:
		raw := make([]byte, len(data))
		copy(raw, data)
		return NewKey(raw)
	}
	return nil, ErrKeyFileCorrupt
}

// StoreKeyToFile writes the key Base64 encoded, creating parent directories
func StoreKeyToFile(key *Key, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	return key.with(func(raw []byte) error {
		encoded := base64.StdEncoding.EncodeToString(raw) + "\n"
		if err := os.WriteFile(path, []byte(encoded), KeyFileMode); err != nil {
			return fmt.Errorf("failed to write key file: %w", err)
		}
		return nil
	})
}

// GenerateKeyAndStoreToFile creates a fresh key and saves it to path
func GenerateKeyAndStoreToFile(path string) (*Key, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := StoreKeyToFile(key, path); err != nil {
		key.Destroy()
		return nil, err
	}
	return key, nil
}
