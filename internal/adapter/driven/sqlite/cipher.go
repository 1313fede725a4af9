package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// encPrefix marks column values encrypted with AES-256-GCM, so databases
// written with and without a secret key stay readable.
const encPrefix = "aes:"

// tokenCipher encrypts access tokens at rest. With a nil key it passes
// values through unchanged (encryption disabled).
type tokenCipher struct {
	key []byte // 32-byte AES-256 key, or nil.
}

// newTokenCipher creates a tokenCipher. key must be 32 bytes or nil.
func newTokenCipher(key []byte) (*tokenCipher, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	return &tokenCipher{key: key}, nil
}

// seal encrypts plaintext with AES-256-GCM, producing
// "aes:" + base64(nonce || ciphertext || tag). Pass-through without a key.
func (c *tokenCipher) seal(plaintext string) (string, error) {
	if c.key == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open decrypts a stored value. Plaintext values (no prefix) are returned
// as-is; encrypted values require the key they were sealed with.
func (c *tokenCipher) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if c.key == nil {
		return "", errors.New("stored token is encrypted but no secret key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}
