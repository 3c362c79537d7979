// Package crypto implements the API-key encryption contract shared
// with the mobile app: HKDF-SHA256 key derivation and AES-256-GCM with
// a nonce-prepended, base64-encoded framing. The salt, info string,
// and nonce length are fixed by that contract and must not change.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt = "xyidactyl-salt"
	hkdfInfo = "xyidactyl-api-key-encryption"

	keySize         = 32
	nonceSize       = 12
	minSecretLength = 16
)

// ErrSecretTooShort is returned when the shared secret does not carry
// enough entropy to derive a key from.
var ErrSecretTooShort = errors.New("crypto: secret must be at least 16 bytes")

// Crypto encrypts and decrypts strings under a key derived from the
// shared agent secret.
type Crypto struct {
	key []byte
}

// New derives the AES-256 key from the shared secret.
func New(secret string) (*Crypto, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}

	reader := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &Crypto{key: key}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce
// and returns base64(nonce || ciphertext || tag).
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. It fails on malformed base64,
// truncated input, or an AEAD authentication failure (wrong secret or
// tampered ciphertext).
func (c *Crypto) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < nonceSize {
		return "", errors.New("crypto: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}
