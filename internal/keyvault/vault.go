// Package keyvault encrypts delegated signing-key material at rest.
//
// The encryption key is process-wide secret state supplied externally at
// startup. There is deliberately no generate-on-boot fallback: a regenerated
// key would orphan every previously encrypted private key, so a missing or
// malformed key is a configuration error and the process must refuse to
// start.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/milestonepay/engine/internal/errors"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// Vault performs authenticated encryption of key material with AES-256-GCM.
// A fresh random nonce is generated per call and prepended to the output;
// the GCM tag binds ciphertext integrity, so any tampering surfaces as
// ErrDecryption.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("keyvault: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromString creates a Vault from a hex or base64 encoded 32-byte key,
// the formats accepted for VAULT_ENCRYPTION_KEY.
func NewFromString(raw string) (*Vault, error) {
	key, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// ParseKey decodes a hex or base64 encoded 32-byte key.
func ParseKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("keyvault: encryption key is required")
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	return nil, fmt.Errorf("keyvault: encryption key must decode to %d bytes of hex or base64", KeySize)
}

// Encrypt seals plaintext and returns nonce || ciphertext || tag.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyvault: generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed blob produced by Encrypt. Truncated input or a tag
// mismatch returns ErrDecryption.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return nil, errors.ErrDecryption
	}
	nonce := ciphertext[:v.aead.NonceSize()]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext[v.aead.NonceSize():], nil)
	if err != nil {
		return nil, errors.ErrDecryption
	}
	return plaintext, nil
}

// ZeroBytes overwrites b in place. Called on every plaintext key buffer as
// soon as its use ends.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
