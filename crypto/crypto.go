// Package crypto encrypts sensitive data at rest, primarily broadcaster OAuth
// tokens. AES-256-GCM authenticated encryption, base64 ciphertext for text
// column storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryptor encrypts and decrypts strings for database storage. Implementations
// must provide authenticated encryption so tampered ciphertext is rejected.
type Encryptor interface {
	// EncryptString returns base64-encoded authenticated ciphertext.
	// An empty plaintext round-trips as an empty string.
	EncryptString(plaintext string) (string, error)

	// DecryptString verifies and decrypts ciphertext produced by EncryptString.
	// Returns an error if the authentication tag does not verify.
	DecryptString(ciphertext string) (string, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM. The AEAD is built once
// at construction; the type is safe for concurrent use.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key.
// Generate one with:
//
//	openssl rand -base64 32
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESEncryptor{aead: aead}, nil
}

// EncryptString encrypts plaintext and returns base64(nonce || ciphertext || tag).
// A fresh random nonce is generated per call.
func (e *AESEncryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString base64-decodes, verifies, and decrypts ciphertext from EncryptString.
func (e *AESEncryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize, len(raw))
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		// Deliberately vague; decryption errors should not leak detail.
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}

	return string(plaintext), nil
}
