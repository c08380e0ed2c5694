// Package cryptoutils provides the secp256k1 scalar, point and polynomial
// arithmetic used by the key resharing sessions, together with node and
// administrator signatures.
//
// # Types
//
//   - Secret: 32-byte big-endian scalar reduced modulo the group order
//   - Public: 64-byte affine point (X || Y); the zero value is the point at infinity
//   - Signature: 65-byte recoverable signature as produced by go-ethereum
//
// # Polynomial Sharing
//
// A (t, n) sharing is described by a polynomial of degree t whose coefficients
// are Secrets. Every node holds the evaluation of the summed polynomials at its
// id number. Public commitments to coefficients (G * coeff) let a receiver check
// the value it was sent:
//
//	ok, err := cryptoutils.RefreshedKeysVerification(t, myIDNumber, secret1, publics)
//
// # Threshold Decryption
//
// EncryptSecret and the shadow helpers implement ElGamal over the joint public
// key. Any t+1 share holders compute their shadow points and the joint shadow
// removes the mask from the encrypted point:
//
//	shadow, _ := cryptoutils.ComputeNodeShadow(share, idNumber, othersIDNumbers)
//	point, _ := cryptoutils.ComputeNodeShadowPoint(encrypted.CommonPoint, shadow)
//	joint, _ := cryptoutils.ComputeJointShadowPoint(points)
//	plain, _ := cryptoutils.DecryptWithJointShadow(encrypted.EncryptedPoint, joint)
package cryptoutils
