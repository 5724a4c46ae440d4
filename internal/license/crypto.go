package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"noteops/internal/infra/filestore"
)

const keySize = 32

// loadOrCreateKey returns the 32-byte encryption key. Precedence: the
// LICENSE_SECRET_KEY environment variable, then the key file, else a fresh
// random key persisted to the key file with mode 0600.
func loadOrCreateKey(keyPath string) ([]byte, error) {
	if env := os.Getenv("LICENSE_SECRET_KEY"); env != "" {
		return decodeKey(env)
	}

	data, err := filestore.ReadFileOrEmpty(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read license key file: %w", err)
	}
	if len(data) > 0 {
		return decodeKey(strings.TrimSpace(string(data)))
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate license key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := filestore.AtomicWrite(keyPath, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist license key: %w", err)
	}
	return key, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode license key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("license key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// encrypt seals plaintext with AES-256-GCM, nonce prefixed.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce-prefixed AES-256-GCM blob.
func decrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("license blob too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt license blob: %w", err)
	}
	return plaintext, nil
}
