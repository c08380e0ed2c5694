// Package interfaces defines the core interfaces and types for the secret store key server.
//
// This package provides the contracts between the protocol sessions, the cluster
// runtime and their collaborators without including implementation details.
//
// # Cluster Types
//
//   - NodeID: 64-byte public key of a key server
//   - NodeSet: set of node ids with a deterministic Sorted order
//   - SessionID: 32-byte server key id, shared by every session running on the key
//   - SessionMeta: immutable parameters of one session (master, self, threshold)
//   - ClusterMessage: the envelope exchanged between key servers
//
// # Storage Interfaces
//
//   - KeyStorage: get/insert/update/remove of the local DocumentKeyShare
//   - StorageBackend: keyed blob storage behind KeyStorage (file, S3, IPFS, Vault, Redis, Badger)
//   - StorageBackendFactory: creates storage backends from URI strings
//
// # Registry Interfaces
//
//   - KeyServerSetContract: on-chain lists of current, new and migration key servers
//   - Registrar: resolves the key server set contract address
//   - ChainReader: block head, confirmations and event logs
//   - KeyServerSet: stabilized snapshot plus migration transactions
//
// # Error Types
//
// Protocol errors are sentinels matched with errors.Is:
//
//   - ErrInvalidMessage, ErrInvalidStateForRequest, ErrInvalidNodeForRequest
//   - ErrInvalidNodesConfiguration, ErrReplayProtection, ErrTooEarlyForRequest
//   - ErrConsensusUnreachable, ErrConsensusTemporaryUnreachable
//   - ErrKeyStorage, ErrNodeDisconnected, ErrAccessDenied, ErrInternal
//
// ErrTooEarlyForRequest is the only error a caller should treat as "redeliver
// later". IsNonFatal separates errors that do not count as deliberate rejects.
package interfaces
