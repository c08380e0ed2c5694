// Package storage persists the local key shares of a key server.
//
// KeyStorage implements interfaces.KeyStorage. It encodes every
// DocumentKeyShare as a versioned JSON record, seals it with a key derived
// from the node secret and hands the sealed bytes to a StorageBackend.
// Decoded shares are kept in an LRU cache, so that sessions reading the same
// key repeatedly do not hit the backend.
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/secretstore/
//   - badger:///var/lib/secretstore/db
//   - memory://test
//   - redis://:password@localhost:6379/0?prefix=node1:
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://127.0.0.1:5001/secretstore?timeout=10s
//   - vault://vault.example.com:8200/secret/secretstore/node1
//
// # Sealing
//
// Records are encrypted with XChaCha20-Poly1305. The key is derived with
// HKDF-SHA256 from the node secret, and the server key id is authenticated as
// additional data. A backend therefore only ever sees ciphertext, and a
// record copied under another id fails to open.
//
// # Replication
//
// Several locations can be combined with CreateMultiBackend. Writes and
// deletions must succeed on every backend; a failure is reported with the
// errors of every failing backend. Reads are served by the first backend
// holding the record.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{local, remote})
//	if err != nil {
//	    return err
//	}
//	sealer, err := storage.NewSealer(nodeSecret[:])
//	if err != nil {
//	    return err
//	}
//	keys, err := storage.NewKeyStorage(backend, sealer, storage.DefaultCacheSize, logger)
package storage
