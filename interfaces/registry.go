package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// KeyServerSetKind selects one of the lists kept by the key server set contract.
type KeyServerSetKind int

const (
	// CurrentKeyServers are the servers holding shares now.
	CurrentKeyServers KeyServerSetKind = iota
	// NewKeyServers are the servers the administrator wants to hold shares.
	NewKeyServers
	// MigrationKeyServers are the servers of the migration in progress.
	MigrationKeyServers
)

// String returns the list name.
func (k KeyServerSetKind) String() string {
	switch k {
	case CurrentKeyServers:
		return "current"
	case NewKeyServers:
		return "new"
	case MigrationKeyServers:
		return "migration"
	default:
		return "unknown"
	}
}

// KeyServerSetContract provides access to the on-chain key server set.
type KeyServerSetContract interface {
	// Address returns the contract address.
	Address() common.Address

	// KeyServers lists the key server accounts of the given list.
	KeyServers(ctx context.Context, kind KeyServerSetKind) ([]common.Address, error)

	// KeyServerPublic returns the raw public key registered for a key server.
	KeyServerPublic(ctx context.Context, kind KeyServerSetKind, server common.Address) ([]byte, error)

	// KeyServerAddress returns the "ip:port" registered for a key server.
	KeyServerAddress(ctx context.Context, kind KeyServerSetKind, server common.Address) (string, error)

	// MigrationID returns the id of the migration in progress.
	MigrationID(ctx context.Context) (MigrationID, error)

	// MigrationMaster returns the account coordinating the migration.
	MigrationMaster(ctx context.Context) (common.Address, error)

	// IsMigrationConfirmed reports whether server confirmed the migration.
	IsMigrationConfirmed(ctx context.Context, server common.Address) (bool, error)

	// StartMigration submits a transaction starting the migration.
	StartMigration(ctx context.Context, id MigrationID) (common.Hash, error)

	// ConfirmMigration submits a transaction confirming the migration.
	ConfirmMigration(ctx context.Context, id MigrationID) (common.Hash, error)
}

// KeyServerSetContractFactory binds contract clients.
type KeyServerSetContractFactory interface {
	KeyServerSetFor(address common.Address) (KeyServerSetContract, error)
}

// Registrar resolves well-known contract names.
type Registrar interface {
	// ContractAddress returns the address registered under name, false if none.
	ContractAddress(ctx context.Context, name string) (common.Address, bool, error)
}

// BlockRef identifies a block.
type BlockRef struct {
	Number uint64
	Hash   common.Hash
}

// ChainReader exposes the chain state needed to stabilize the key server set.
type ChainReader interface {
	// LatestBlock returns the current head.
	LatestBlock(ctx context.Context) (BlockRef, error)

	// BlockConfirmations returns the number of blocks built on top of hash,
	// false when the block is unknown or no longer canonical.
	BlockConfirmations(ctx context.Context, hash common.Hash) (uint64, bool, error)

	// HasLogs reports whether contract emitted any of the given events in
	// the block range [from, to].
	HasLogs(ctx context.Context, contract common.Address, topics []common.Hash, from, to uint64) (bool, error)
}

// KeyServerSet provides the stabilized view of the key servers and drives
// on-chain migration transactions.
type KeyServerSet interface {
	// Snapshot returns the current view.
	Snapshot() KeyServerSetSnapshot

	// StartMigration starts the migration with the given id.
	StartMigration(ctx context.Context, id MigrationID) error

	// ConfirmMigration confirms the migration with the given id.
	ConfirmMigration(ctx context.Context, id MigrationID) error
}
