package keyserverset

import (
	"context"
	"errors"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ErrStaticSet is returned for migration transactions on a static set.
var ErrStaticSet = errors.New("static key server set does not migrate")

// StaticKeyServerSet is a fixed key server set read from configuration.
type StaticKeyServerSet struct {
	set map[interfaces.NodeID]interfaces.NodeAddress
}

// NewStaticKeyServerSet creates a set serving nodes as both current and new set.
func NewStaticKeyServerSet(nodes map[interfaces.NodeID]interfaces.NodeAddress) *StaticKeyServerSet {
	return &StaticKeyServerSet{set: cloneSet(nodes)}
}

// Snapshot implements interfaces.KeyServerSet.
func (s *StaticKeyServerSet) Snapshot() interfaces.KeyServerSetSnapshot {
	return interfaces.KeyServerSetSnapshot{
		CurrentSet: cloneSet(s.set),
		NewSet:     cloneSet(s.set),
	}
}

// StartMigration implements interfaces.KeyServerSet.
func (s *StaticKeyServerSet) StartMigration(context.Context, interfaces.MigrationID) error {
	return ErrStaticSet
}

// ConfirmMigration implements interfaces.KeyServerSet.
func (s *StaticKeyServerSet) ConfirmMigration(context.Context, interfaces.MigrationID) error {
	return ErrStaticSet
}
