// Package secrets seals and opens per-domain provider credentials stored at
// rest, using XChaCha20-Poly1305 with a random nonce prefixed to the ciphertext.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks values produced by Seal so plaintext rows written
// before encryption was enabled can still be read.
const sealedPrefix = "v1:"

var ErrMalformed = errors.New("sealed secret is malformed")

// Box encrypts and decrypts secrets with a single key.
// A nil *Box passes values through unchanged.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32 byte key.
func NewBox(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a printable value.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed
// prefix are returned as-is.
func (b *Box) Open(value string) (string, error) {
	if len(value) < len(sealedPrefix) || value[:len(sealedPrefix)] != sealedPrefix {
		return value, nil
	}
	if b == nil {
		return "", fmt.Errorf("%w: no key configured", ErrMalformed)
	}

	raw, err := base64.RawStdEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < b.aead.NonceSize()+b.aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plaintext), nil
}
