// Package crypto seals RDP credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const sealPrefix = "enc:"

var warnOnce sync.Once

// keyFromEnv loads the 32-byte sealing key from LOSOCLOUD_CREDENTIAL_KEY.
// Accepts hex (64 chars) or base64 encoded values. Returns nil if not set,
// which disables sealing (dev/test mode).
func keyFromEnv() []byte {
	raw := os.Getenv("LOSOCLOUD_CREDENTIAL_KEY")
	if raw == "" {
		return nil
	}
	if len(raw) == 64 {
		if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
			return b
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	warnOnce.Do(func() {
		log.Printf("crypto: LOSOCLOUD_CREDENTIAL_KEY is set but is not a 32-byte hex or base64 value, storing credentials in plaintext")
	})
	return nil
}

// Seal encrypts a credential for storage. With no key configured the value
// passes through unchanged.
func Seal(plaintext string) (string, error) {
	key := keyFromEnv()
	if key == nil {
		return plaintext, nil
	}
	return SealWithKey(plaintext, key)
}

// SealWithKey encrypts plaintext with the given 32-byte key and returns
// "enc:<base64(nonce+ciphertext)>".
func SealWithKey(plaintext string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the seal prefix
// pass through unchanged, so rows written before a key was configured stay
// readable.
func Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealPrefix) {
		return stored, nil
	}
	key := keyFromEnv()
	if key == nil {
		return "", fmt.Errorf("LOSOCLOUD_CREDENTIAL_KEY not configured, cannot open sealed credential")
	}
	return OpenWithKey(stored, key)
}

// OpenWithKey decrypts an "enc:..." value with the given key.
func OpenWithKey(stored string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plaintext), nil
}
