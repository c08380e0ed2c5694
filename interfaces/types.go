// Package interfaces defines the core interfaces and types for the secret store key server.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
)

// NodeID is the 64-byte uncompressed public key (X || Y) of a cluster node.
type NodeID [64]byte

// NewNodeIDFromBytes creates a node id from a 64-byte or 65-byte (0x04-prefixed) public key.
func NewNodeIDFromBytes(b []byte) (NodeID, error) {
	pub, err := cryptoutils.NewPublicFromBytes(b)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id: %w", err)
	}
	return NodeID(pub), nil
}

// NewNodeIDFromHex parses a hex-encoded node id.
func NewNodeIDFromHex(s string) (NodeID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewNodeIDFromBytes(raw)
}

// Public returns the node key as a curve point.
func (id NodeID) Public() cryptoutils.Public {
	return cryptoutils.Public(id)
}

// String returns hex representation.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := NewNodeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NodeSet is a set of node ids. Iteration order of the map is random, use Sorted
// wherever a deterministic order is required.
type NodeSet map[NodeID]struct{}

// NewNodeSet creates a set from the given ids.
func NewNodeSet(ids ...NodeID) NodeSet {
	set := make(NodeSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Contains reports set membership.
func (s NodeSet) Contains(id NodeID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s NodeSet) Add(id NodeID) {
	s[id] = struct{}{}
}

// Remove deletes id from the set, reporting whether it was present.
func (s NodeSet) Remove(id NodeID) bool {
	_, ok := s[id]
	delete(s, id)
	return ok
}

// Clone returns a copy of the set.
func (s NodeSet) Clone() NodeSet {
	clone := make(NodeSet, len(s))
	for id := range s {
		clone[id] = struct{}{}
	}
	return clone
}

// Equal reports whether both sets hold the same ids.
func (s NodeSet) Equal(other NodeSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Difference returns the ids of s that are not in other.
func (s NodeSet) Difference(other NodeSet) NodeSet {
	diff := make(NodeSet)
	for id := range s {
		if !other.Contains(id) {
			diff[id] = struct{}{}
		}
	}
	return diff
}

// IsSubsetOf reports whether every id of s is in other.
func (s NodeSet) IsSubsetOf(other NodeSet) bool {
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending byte order.
func (s NodeSet) Sorted() []NodeID {
	ids := make([]NodeID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	SortNodeIDs(ids)
	return ids
}

// SortNodeIDs sorts ids in ascending byte order.
func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

// SessionID identifies a server key and every administrative session running on it.
type SessionID [32]byte

// NewSessionIDFromBytes creates a session id from 32 raw bytes.
func NewSessionIDFromBytes(b []byte) (SessionID, error) {
	if len(b) != 32 {
		return SessionID{}, errors.New("invalid session id length: must be 32 bytes")
	}
	return SessionID(b), nil
}

// NewSessionIDFromHex parses a hex session id with an optional 0x prefix.
func NewSessionIDFromHex(s string) (SessionID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return SessionID{}, errors.New("invalid session id length: hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewSessionIDFromBytes(raw)
}

// String returns hex representation.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := NewSessionIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SessionMeta is fixed at session construction.
type SessionMeta struct {
	ID                   SessionID
	MasterNodeID         NodeID
	SelfNodeID           NodeID
	Threshold            int
	ConfiguredNodesCount int
	ConnectedNodesCount  int
}

// IsMaster reports whether the local node coordinates the session.
func (m SessionMeta) IsMaster() bool {
	return m.MasterNodeID == m.SelfNodeID
}

// NodeAddress is the "ip:port" endpoint a key server listens on.
type NodeAddress string

// NewNodeAddress validates an "ip:port" string.
func NewNodeAddress(s string) (NodeAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid node address %q: %w", s, err)
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("invalid node address %q: host is not an ip", s)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid node address %q: %w", s, err)
	}
	return NodeAddress(s), nil
}

// String returns the address.
func (a NodeAddress) String() string {
	return string(a)
}

// MigrationID identifies an on-chain servers set migration.
type MigrationID [32]byte

// String returns hex representation.
func (id MigrationID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id MigrationID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MigrationID) UnmarshalText(text []byte) error {
	parsed, err := NewSessionIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = MigrationID(parsed)
	return nil
}

// KeyServerSetMigration describes a migration started on chain.
type KeyServerSetMigration struct {
	ID          MigrationID            `json:"id"`
	Set         map[NodeID]NodeAddress `json:"set"`
	Master      NodeID                 `json:"master"`
	IsConfirmed bool                   `json:"is_confirmed"`
}

// KeyServerSetSnapshot is the stabilized view of the key server set.
type KeyServerSetSnapshot struct {
	CurrentSet map[NodeID]NodeAddress `json:"current_set"`
	NewSet     map[NodeID]NodeAddress `json:"new_set"`
	Migration  *KeyServerSetMigration `json:"migration,omitempty"`
}

// NodesOf returns the ids of an address map.
func NodesOf(set map[NodeID]NodeAddress) NodeSet {
	nodes := make(NodeSet, len(set))
	for id := range set {
		nodes[id] = struct{}{}
	}
	return nodes
}
