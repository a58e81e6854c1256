// Package crypto provides the encryptor primitive consumed by the
// encryption strategy.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor is the primitive the encryption strategy consumes. Decrypt
// failures are mapped to a miss by the caller, never propagated.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

type aeadEncryptor struct {
	aead cipher.AEAD
}

// NewAESGCM returns an AES-256-GCM encryptor. The key must be 32 bytes.
func NewAESGCM(key []byte) (Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &aeadEncryptor{aead: aead}, nil
}

// NewChaCha20Poly1305 returns a ChaCha20-Poly1305 encryptor for hosts on
// platforms without AES hardware support. The key must be 32 bytes.
func NewChaCha20Poly1305(key []byte) (Encryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305: %w", err)
	}
	return &aeadEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext as nonce|ciphertext.
func (e *aeadEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce|ciphertext payload.
func (e *aeadEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:e.aead.NonceSize()], ciphertext[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
