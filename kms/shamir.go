package kms

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
)

var (
	ErrAlreadyRecovered   = errors.New("node seed already recovered")
	ErrNotRecovered       = errors.New("node seed not recovered - need more shares")
	ErrUnregisteredAdmin  = errors.New("unregistered admin key")
	ErrDuplicateShare     = errors.New("admin already submitted a share")
	ErrInvalidShareConfig = errors.New("invalid share configuration")
)

// ShamirConfig configures splitting and recovery of a node seed.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to recover the seed.
	Threshold int
	// Admins are the keys allowed to submit shares, one share each.
	Admins []cryptoutils.Public
}

func (c ShamirConfig) validate() error {
	if c.Threshold < 2 {
		return fmt.Errorf("%w: threshold must be at least 2", ErrInvalidShareConfig)
	}
	if len(c.Admins) < c.Threshold {
		return fmt.Errorf("%w: %d admins for threshold %d", ErrInvalidShareConfig, len(c.Admins), c.Threshold)
	}
	return nil
}

// SplitSeed splits a node seed into one share per admin. The seed is not
// stored anywhere; handing the shares out is the caller's responsibility.
func SplitSeed(seed []byte, config ShamirConfig) ([][]byte, error) {
	if len(seed) < SeedSize {
		return nil, ErrSeedTooShort
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	shares, err := shamir.Split(seed, len(config.Admins), config.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split seed: %w", err)
	}
	return shares, nil
}

// ShareDigest is the digest an admin signs when submitting a share.
func ShareDigest(share []byte) [32]byte {
	return cryptoutils.Keccak256([]byte("secretstore seed share"), share)
}

// SignShare signs a share with an admin key.
func SignShare(share []byte, admin *NodeKMS) (cryptoutils.Signature, error) {
	return admin.Sign(ShareDigest(share))
}

// SeedRecovery collects admin-signed seed shares until the threshold is
// reached and the seed can be combined. The recovered seed is only kept in
// memory.
type SeedRecovery struct {
	mu             sync.RWMutex
	threshold      int
	admins         map[cryptoutils.Public]struct{}
	receivedShares map[cryptoutils.Public][]byte
	nodeKMS        *NodeKMS
}

// NewSeedRecovery creates a recovery waiting for shares.
func NewSeedRecovery(config ShamirConfig) (*SeedRecovery, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	admins := make(map[cryptoutils.Public]struct{}, len(config.Admins))
	for _, admin := range config.Admins {
		if _, err := admin.ToECDSA(); err != nil {
			return nil, fmt.Errorf("invalid admin key %s: %w", admin, err)
		}
		admins[admin] = struct{}{}
	}

	return &SeedRecovery{
		threshold:      config.Threshold,
		admins:         admins,
		receivedShares: make(map[cryptoutils.Public][]byte),
	}, nil
}

// SubmitShare verifies the admin's signature over the share and stores it.
// Once enough shares are collected the seed is recovered.
func (r *SeedRecovery) SubmitShare(share []byte, signature cryptoutils.Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodeKMS != nil {
		return ErrAlreadyRecovered
	}

	admin, err := cryptoutils.RecoverPublic(ShareDigest(share), signature)
	if err != nil {
		return err
	}
	if _, found := r.admins[admin]; !found {
		return ErrUnregisteredAdmin
	}
	if _, found := r.receivedShares[admin]; found {
		return ErrDuplicateShare
	}

	r.receivedShares[admin] = append([]byte(nil), share...)
	return r.tryRecover()
}

func (r *SeedRecovery) tryRecover() error {
	if len(r.receivedShares) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	seed, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to combine seed shares: %w", err)
	}
	defer wipeBytes(seed)

	nodeKMS, err := NewNodeKMS(seed)
	if err != nil {
		return fmt.Errorf("recovered seed is unusable: %w", err)
	}
	r.nodeKMS = nodeKMS

	for admin, share := range r.receivedShares {
		wipeBytes(share)
		delete(r.receivedShares, admin)
	}
	return nil
}

// Progress returns the number of shares received and required.
func (r *SeedRecovery) Progress() (received, threshold int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.nodeKMS != nil {
		return r.threshold, r.threshold
	}
	return len(r.receivedShares), r.threshold
}

// IsRecovered reports whether the seed was recovered.
func (r *SeedRecovery) IsRecovered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeKMS != nil
}

// NodeKMS returns the KMS of the recovered seed.
func (r *SeedRecovery) NodeKMS() (*NodeKMS, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.nodeKMS == nil {
		return nil, ErrNotRecovered
	}
	return r.nodeKMS, nil
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
