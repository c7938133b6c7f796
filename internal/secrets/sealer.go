package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts credential secrets with AES-256-GCM. Sealed values are
// nonce||ciphertext; the additional data binds a secret to its record.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer accepts a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// NewSealerFromHex decodes a hex encoded 32-byte key.
func NewSealerFromHex(s string) (*Sealer, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key encoding: %w", err)
	}
	return NewSealer(key)
}

func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], aad)
}
