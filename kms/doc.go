// Package kms manages the long-lived secrets of a key server.
//
// # NodeKMS
//
// Every secret a node owns is derived from one seed:
//
//   - the secp256k1 node key; its public part is the NodeID peers and the
//     key server set contract know the node by
//   - the sealing secret, from which storage derives the key that encrypts
//     key shares at rest
//
// Losing the seed loses the node's identity and makes its stored shares
// unreadable, so the seed should be backed up.
//
// # Seed backup with Shamir's Secret Sharing
//
// SplitSeed splits a seed into one share per administrator. A node started
// without a seed file runs a SeedRecovery: administrators submit their
// shares, each signed with their secp256k1 key over ShareDigest(share).
// Shares from unknown keys and second shares from the same key are
// rejected. Once Threshold shares are in, the seed is combined, the shares
// are wiped and the node starts with the recovered identity.
//
//	seed, _ := kms.GenerateSeed()
//	shares, err := kms.SplitSeed(seed, kms.ShamirConfig{Threshold: 2, Admins: admins})
//
//	recovery, err := kms.NewSeedRecovery(kms.ShamirConfig{Threshold: 2, Admins: admins})
//	err = recovery.SubmitShare(shares[0], signature)
package kms
