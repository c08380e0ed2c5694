package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ErrUnsealFailed is returned when a record cannot be authenticated.
var ErrUnsealFailed = errors.New("failed to unseal key share")

const sealingInfo = "secretstore key share sealing v1"

// Sealer encrypts key share records with XChaCha20-Poly1305. The record key
// is bound as additional data, so a record moved to another key fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from the node secret with HKDF-SHA256.
func NewSealer(nodeSecret []byte) (*Sealer, error) {
	if len(nodeSecret) == 0 {
		return nil, errors.New("empty sealing secret")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, nodeSecret, nil, []byte(sealingInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(id interfaces.SessionID, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, id[:]), nil
}

// Open reverses Seal.
func (s *Sealer) Open(id interfaces.SessionID, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrUnsealFailed
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, id[:])
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}
