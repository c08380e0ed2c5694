// Package keyserverset tracks which key servers hold shares and which should.
//
// OnChainKeyServerSet reads the key server set contract located through the
// registrar. With auto-migration enabled, a change of the new set is hidden
// from Snapshot until the block where it first appeared has
// MigrationConfirmationsRequired confirmations, so that a fork cannot trigger
// a migration to a set that never becomes canonical. Changes of addresses
// alone are visible immediately.
//
// StartMigration and ConfirmMigration submit the contract transactions. The
// same transaction for the same migration is repeated only after
// TransactionRetryIntervalBlocks blocks.
//
// StaticKeyServerSet serves a configured set and never migrates.
package keyserverset
