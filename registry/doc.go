// Package registry provides access to the on-chain key server set contract
// and the chain state needed to follow it safely.
//
// The key server set contract keeps three lists of key servers:
//
//   - current: the servers holding shares now
//   - new: the servers the administrator wants to hold shares
//   - migration: the servers of the migration in progress
//
// Every entry resolves to a 64-byte public key and an "ip:port" address.
// KeyServerSetClient reads the lists and submits the startMigration and
// confirmMigration transactions. Transactions require SetTransactOpts:
//
//	client := registry.NewKeyServerSetClient(ethClient, address)
//	client.SetTransactOpts(auth)
//	txHash, err := client.StartMigration(ctx, migrationID)
//
// The contract address is resolved by name through RegistrarClient, which
// looks up the "secretstore_server_set" entry of a name registrar, or
// StaticRegistrar when the address is configured directly.
//
// ChainClient reports the latest block, the number of confirmations of a
// block (false when the block is no longer canonical) and whether the
// contract emitted KeyServerAdded, KeyServerRemoved, MigrationStarted or
// MigrationCompleted in a block range.
//
// MockKeyServerSetClient and MockChain are in-memory implementations for
// tests that do not need a chain.
package registry
