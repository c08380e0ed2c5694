package interfaces

import (
	"github.com/ruteri/secret-store-cluster/cryptoutils"
)

// DocumentKeyShare is the locally persisted share of a server key.
type DocumentKeyShare struct {
	// Threshold is the number of nodes that may be missing while the key stays usable.
	Threshold int `json:"threshold"`
	// Author is the public key of the requester that generated the key.
	Author cryptoutils.Public `json:"author"`
	// CommonPoint and EncryptedPoint are set once a document key is stored.
	CommonPoint    *cryptoutils.Public `json:"common_point,omitempty"`
	EncryptedPoint *cryptoutils.Public `json:"encrypted_point,omitempty"`
	// IDNumbers maps every share holder to the x coordinate of its share.
	IDNumbers map[NodeID]cryptoutils.Secret `json:"id_numbers"`
	// Polynom1 is this node's refreshed polynomial, Threshold+1 coefficients.
	Polynom1 []cryptoutils.Secret `json:"polynom1"`
	// SecretShare is this node's evaluation of the joint polynomial.
	SecretShare cryptoutils.Secret `json:"secret_share"`
}

// Nodes returns the share holders.
func (s *DocumentKeyShare) Nodes() NodeSet {
	nodes := make(NodeSet, len(s.IDNumbers))
	for id := range s.IDNumbers {
		nodes.Add(id)
	}
	return nodes
}

// Clone returns a deep copy.
func (s *DocumentKeyShare) Clone() *DocumentKeyShare {
	clone := *s
	if s.CommonPoint != nil {
		p := *s.CommonPoint
		clone.CommonPoint = &p
	}
	if s.EncryptedPoint != nil {
		p := *s.EncryptedPoint
		clone.EncryptedPoint = &p
	}
	clone.IDNumbers = make(map[NodeID]cryptoutils.Secret, len(s.IDNumbers))
	for id, number := range s.IDNumbers {
		clone.IDNumbers[id] = number
	}
	clone.Polynom1 = append([]cryptoutils.Secret(nil), s.Polynom1...)
	return &clone
}

// KeyStorage persists the local key shares. Every method is atomic per key.
// Failures wrap ErrKeyStorage, a missing key additionally wraps ErrKeyNotFound.
type KeyStorage interface {
	// Get returns the share stored under id.
	Get(id SessionID) (*DocumentKeyShare, error)

	// Insert stores a share, replacing any existing record.
	Insert(id SessionID, share *DocumentKeyShare) error

	// Update replaces an existing share.
	Update(id SessionID, share *DocumentKeyShare) error

	// Remove deletes the share.
	Remove(id SessionID) error

	// Contains reports whether a share is stored under id.
	Contains(id SessionID) bool
}
