// Package crypto seals app-specific mail passwords before they are stored.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the length of a sealing key in bytes (AES-256).
const KeySize = 32

var (
	ErrInvalidKey = errors.New("invalid sealing key")
	// ErrUnsealable is returned for corrupted ciphertexts, foreign keys and mismatched accounts.
	ErrUnsealable = errors.New("sealed password cannot be opened")
)

// Sealer encrypts passwords with AES-GCM. The account address is bound as associated
// data, so a sealed password only opens for the account it was sealed for.
// The sealed format is [nonce][ciphertext][tag].
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a base64 encoded 32-byte key.
func NewSealer(base64Key string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts password for the given account address. Each call uses a fresh nonce.
func (s *Sealer) Seal(account, password string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(password)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(password), []byte(account)), nil
}

// Open decrypts a password sealed for account.
func (s *Sealer) Open(account string, sealed []byte) (string, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrUnsealable)
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(account))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealable, err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a new random key, base64 encoded for MAILDRIVER_ENCRYPTION_KEY_BASE64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
