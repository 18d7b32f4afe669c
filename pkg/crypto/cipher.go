// Package crypto implements the symmetric message encryption used between
// chat clients and the relay: AES in CFB mode with PKCS#5 padding, Base64
// on the wire, and an IV derived from the session id.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// IVSize is the size of the derived IV (one AES block)
const IVSize = aes.BlockSize

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrBadPadding = errors.New("bad padding")
	ErrInvalidIV  = errors.New("invalid IV size")
)

// Encrypt pads plaintext, encrypts it with AES-CFB and returns it Base64 encoded
func Encrypt(plaintext string, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(iv) != block.BlockSize() {
		return "", ErrInvalidIV
	}

	padded := pkcs5Pad([]byte(plaintext), block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A message encrypted under a different key or IV
// almost always fails the padding check and returns ErrBadPadding.
func Decrypt(encoded string, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(iv) != block.BlockSize() {
		return "", ErrInvalidIV
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: not base64: %v", ErrBadPadding, err)
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return "", ErrBadPadding
	}

	out := make([]byte, len(data))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, data)

	plain, err := pkcs5Unpad(out, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data[:len(data):len(data)], bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs5Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

// Cipher encrypts and decrypts chat text for a given session id using a
// shared key. A nil *Cipher means encryption is disabled and passes text
// through unchanged.
type Cipher struct {
	key *Key
}

// NewCipher creates a Cipher around a shared key
func NewCipher(key *Key) *Cipher {
	return &Cipher{key: key}
}

// Enabled reports whether the cipher actually encrypts
func (c *Cipher) Enabled() bool {
	return c != nil && c.key != nil
}

// EncryptFor encrypts plaintext with the IV derived from id
func (c *Cipher) EncryptFor(id, plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	iv, err := DeriveIV(id, IVSize)
	if err != nil {
		return "", err
	}
	var out string
	err = c.key.with(func(key []byte) error {
		var encErr error
		out, encErr = Encrypt(plaintext, key, iv)
		return encErr
	})
	return out, err
}

// DecryptFrom decrypts text that was encrypted with the IV derived from id
func (c *Cipher) DecryptFrom(id, encoded string) (string, error) {
	if !c.Enabled() {
		return encoded, nil
	}
	iv, err := DeriveIV(id, IVSize)
	if err != nil {
		return "", err
	}
	var out string
	err = c.key.with(func(key []byte) error {
		var decErr error
		out, decErr = Decrypt(encoded, key, iv)
		return decErr
	})
	return out, err
}

// IsMismatch reports whether err means the peer is using a different key
func IsMismatch(err error) bool {
	return errors.Is(err, ErrBadPadding) || errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrShortID)
}
