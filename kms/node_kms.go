package kms

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

// SeedSize is the size of a generated node seed.
const SeedSize = 32

var ErrSeedTooShort = errors.New("node seed must be at least 32 bytes")

// NodeKMS derives the long-lived secrets of a key server from a single seed:
// the secp256k1 node key, whose public part is the node id, and the secret
// key shares are sealed with at rest. Backing up the seed is enough to
// restore a node.
type NodeKMS struct {
	seed          []byte
	nodeKey       *ecdsa.PrivateKey
	sealingSecret []byte
}

// NewNodeKMS creates a KMS from the provided seed.
func NewNodeKMS(seed []byte) (*NodeKMS, error) {
	if len(seed) < SeedSize {
		return nil, ErrSeedTooShort
	}

	nodeKey, err := deriveNodeKey(seed)
	if err != nil {
		return nil, err
	}

	return &NodeKMS{
		seed:          append([]byte(nil), seed...),
		nodeKey:       nodeKey,
		sealingSecret: derive(seed, "sealing", 0),
	}, nil
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// LoadSeedFile reads a hex encoded seed, as written by SaveSeedFile.
func LoadSeedFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	if len(seed) < SeedSize {
		return nil, ErrSeedTooShort
	}
	return seed, nil
}

// SaveSeedFile writes the seed hex encoded, readable by the owner only.
func SaveSeedFile(path string, seed []byte) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// NodeID returns the id this node is known by in the cluster.
func (k *NodeKMS) NodeID() interfaces.NodeID {
	return interfaces.NodeID(cryptoutils.PublicFromECDSA(&k.nodeKey.PublicKey))
}

// NodeKey returns the node's private key.
func (k *NodeKMS) NodeKey() *ecdsa.PrivateKey {
	return k.nodeKey
}

// SealingSecret returns the secret key shares are sealed with.
func (k *NodeKMS) SealingSecret() []byte {
	return append([]byte(nil), k.sealingSecret...)
}

// Seed returns a copy of the seed, for backup splitting.
func (k *NodeKMS) Seed() []byte {
	return append([]byte(nil), k.seed...)
}

// Sign signs a digest with the node key.
func (k *NodeKMS) Sign(digest [32]byte) (cryptoutils.Signature, error) {
	return cryptoutils.Sign(k.nodeKey, digest)
}

// deriveNodeKey hashes the seed into a secp256k1 scalar. Digests outside of
// [1, n) are skipped by bumping the counter.
func deriveNodeKey(seed []byte) (*ecdsa.PrivateKey, error) {
	for counter := uint32(0); counter < 16; counter++ {
		key, err := crypto.ToECDSA(derive(seed, "node", counter))
		if err == nil {
			return key, nil
		}
	}
	return nil, errors.New("failed to derive node key")
}

func derive(seed []byte, label string, counter uint32) []byte {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(label))
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	h.Write(c[:])
	return h.Sum(nil)
}
