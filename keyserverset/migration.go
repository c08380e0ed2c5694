package keyserverset

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

const (
	// MigrationConfirmationsRequired is the number of blocks built on top of
	// the block where a new set appeared before the set becomes visible.
	MigrationConfirmationsRequired uint64 = 5

	// TransactionRetryIntervalBlocks is the number of blocks after which the
	// same migration transaction is submitted again.
	TransactionRetryIntervalBlocks uint64 = 30
)

// futureNewSet is a new set waiting for confirmations.
type futureNewSet struct {
	newSet map[interfaces.NodeID]interfaces.NodeAddress
	// block where the set was first seen
	block common.Hash
}

// migrationTransaction is the last submitted transaction of one kind.
type migrationTransaction struct {
	migrationID interfaces.MigrationID
	block       uint64
}

// IsMigrationRequired reports whether the membership of the sets differs.
// Address-only changes are handled by reconnecting and need no migration.
func IsMigrationRequired(current, next map[interfaces.NodeID]interfaces.NodeAddress) bool {
	for node := range current {
		if _, ok := next[node]; !ok {
			return true
		}
	}
	for node := range next {
		if _, ok := current[node]; !ok {
			return true
		}
	}
	return false
}

// updateFutureSet hides a freshly read new set until it gets enough
// confirmations. The returned future set replaces future.
func updateFutureSet(future *futureNewSet, snapshot *interfaces.KeyServerSetSnapshot, block common.Hash) *futureNewSet {
	if snapshot.Migration != nil {
		return nil
	}
	if !IsMigrationRequired(snapshot.CurrentSet, snapshot.NewSet) {
		return nil
	}

	newSet := snapshot.NewSet
	snapshot.NewSet = cloneSet(snapshot.CurrentSet)

	// an unchanged set keeps counting from where it was first seen
	if future != nil && maps.Equal(future.newSet, newSet) {
		block = future.block
	}

	return &futureNewSet{newSet: newSet, block: block}
}

// updateNumberOfConfirmations promotes the future set into the snapshot once
// its block is deep enough. A block without confirmations was reorganized
// away, and counting restarts from the latest block.
func updateNumberOfConfirmations(latestBlock func() common.Hash, confirmations func(common.Hash) (uint64, bool), future *futureNewSet, snapshot *interfaces.KeyServerSetSnapshot) *futureNewSet {
	if future == nil {
		return nil
	}

	count, ok := confirmations(future.block)
	switch {
	case !ok:
		return &futureNewSet{newSet: future.newSet, block: latestBlock()}
	case count < MigrationConfirmationsRequired:
		return future
	}

	snapshot.NewSet = future.newSet
	return nil
}

// updateLastTransactionBlock decides whether a migration transaction should
// be submitted at latestBlock. A transaction for another migration is sent
// immediately, a repeated one only after TransactionRetryIntervalBlocks.
func updateLastTransactionBlock(latestBlock uint64, migrationID interfaces.MigrationID, previous *migrationTransaction) (*migrationTransaction, bool) {
	if previous != nil && previous.migrationID == migrationID {
		if previous.block > latestBlock || latestBlock-previous.block < TransactionRetryIntervalBlocks {
			return previous, false
		}
	}
	return &migrationTransaction{migrationID: migrationID, block: latestBlock}, true
}

func cloneSet(set map[interfaces.NodeID]interfaces.NodeAddress) map[interfaces.NodeID]interfaces.NodeAddress {
	if set == nil {
		return map[interfaces.NodeID]interfaces.NodeAddress{}
	}
	return maps.Clone(set)
}

func cloneSnapshot(snapshot interfaces.KeyServerSetSnapshot) interfaces.KeyServerSetSnapshot {
	clone := interfaces.KeyServerSetSnapshot{
		CurrentSet: cloneSet(snapshot.CurrentSet),
		NewSet:     cloneSet(snapshot.NewSet),
	}
	if snapshot.Migration != nil {
		migration := *snapshot.Migration
		migration.Set = cloneSet(snapshot.Migration.Set)
		clone.Migration = &migration
	}
	return clone
}
