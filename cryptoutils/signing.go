package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned for signatures that do not recover to a key.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature is a 65-byte recoverable secp256k1 signature (R || S || V).
type Signature [65]byte

// NewSignatureFromBytes validates the length of a raw signature.
func NewSignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != 65 {
		return Signature{}, fmt.Errorf("%w: expected 65 bytes, got %d", ErrInvalidSignature, len(b))
	}
	return Signature(b), nil
}

// String returns hex representation.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex format: %w", err)
	}
	parsed, err := NewSignatureFromBytes(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	return crypto.Keccak256Hash(data...)
}

// Sign signs a 32-byte digest.
func Sign(key *ecdsa.PrivateKey, digest [32]byte) (Signature, error) {
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign: %w", err)
	}
	return NewSignatureFromBytes(sig)
}

// RecoverPublic returns the public key that produced sig over digest.
func RecoverPublic(digest [32]byte, sig Signature) (Public, error) {
	pub, err := crypto.SigToPub(digest[:], sig[:])
	if err != nil {
		return Public{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return PublicFromECDSA(pub), nil
}

// VerifySignature reports whether sig over digest was produced by signer.
func VerifySignature(signer Public, digest [32]byte, sig Signature) bool {
	recovered, err := RecoverPublic(digest, sig)
	if err != nil {
		return false
	}
	return recovered == signer
}

// PublicFromECDSA converts a go-ethereum key into its X||Y form.
func PublicFromECDSA(pub *ecdsa.PublicKey) Public {
	var p Public
	copy(p[:], crypto.FromECDSAPub(pub)[1:])
	return p
}

// ToECDSA converts the point into a go-ethereum key.
func (p Public) ToECDSA() (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, p[:]...))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPoint, err)
	}
	return pub, nil
}

// Address returns the Ethereum address controlled by the key.
func (p Public) Address() common.Address {
	return common.BytesToAddress(crypto.Keccak256(p[:])[12:])
}

// SecretFromECDSA returns the scalar of a private key.
func SecretFromECDSA(key *ecdsa.PrivateKey) (Secret, error) {
	return NewSecretFromBytes(crypto.FromECDSA(key))
}
