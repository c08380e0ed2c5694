package cryptoutils

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrDuplicateIDNumber is returned when two participants share an id number
// and the Lagrange coefficient is undefined.
var ErrDuplicateIDNumber = errors.New("duplicate id number")

// EncryptedSecret is an ElGamal encryption of a point under a joint public key.
type EncryptedSecret struct {
	CommonPoint    Public `json:"common_point"`
	EncryptedPoint Public `json:"encrypted_point"`
}

// EncryptSecret encrypts the point secret under jointPublic:
// common = G*k, encrypted = secret + jointPublic*k.
func EncryptSecret(secret, jointPublic Public) (EncryptedSecret, error) {
	k, err := GenerateRandomScalar()
	if err != nil {
		return EncryptedSecret{}, err
	}
	mask, err := PublicMulSecret(jointPublic, k)
	if err != nil {
		return EncryptedSecret{}, err
	}
	encrypted, err := ComputePublicSum([]Public{secret, mask})
	if err != nil {
		return EncryptedSecret{}, err
	}
	return EncryptedSecret{
		CommonPoint:    ComputePublicShare(k),
		EncryptedPoint: encrypted,
	}, nil
}

// ComputeNodeShadow scales a node's secret share by its Lagrange coefficient
// at zero relative to the other participants of the decryption group.
func ComputeNodeShadow(share, idNumber Secret, otherIDNumbers []Secret) (Secret, error) {
	coeff, err := lagrangeCoefficient(idNumber, otherIDNumbers)
	if err != nil {
		return Secret{}, err
	}
	return secretFromScalar(coeff.Mul(share.scalar())), nil
}

// ComputeNodeShadowPoint returns commonPoint*shadow.
func ComputeNodeShadowPoint(commonPoint Public, shadow Secret) (Public, error) {
	return PublicMulSecret(commonPoint, shadow)
}

// ComputeJointShadowPoint adds the shadow points of every decryption participant.
func ComputeJointShadowPoint(shadowPoints []Public) (Public, error) {
	return ComputePublicSum(shadowPoints)
}

// DecryptWithJointShadow removes the joint shadow point from the encrypted point.
func DecryptWithJointShadow(encryptedPoint, jointShadowPoint Public) (Public, error) {
	negated, err := PublicNegate(jointShadowPoint)
	if err != nil {
		return Public{}, err
	}
	return ComputePublicSum([]Public{encryptedPoint, negated})
}

// DecryptWithJointSecret decrypts with the full joint secret. Only usable where
// the secret is known, which is never the case inside the cluster.
func DecryptWithJointSecret(encrypted EncryptedSecret, jointSecret Secret) (Public, error) {
	shadow, err := PublicMulSecret(encrypted.CommonPoint, jointSecret)
	if err != nil {
		return Public{}, err
	}
	return DecryptWithJointShadow(encrypted.EncryptedPoint, shadow)
}

// prod_{j != i} x_j / (x_j - x_i)
func lagrangeCoefficient(idNumber Secret, otherIDNumbers []Secret) (*secp256k1.ModNScalar, error) {
	var num, den secp256k1.ModNScalar
	num.SetInt(1)
	den.SetInt(1)

	xi := idNumber.scalar()
	var negXi secp256k1.ModNScalar
	negXi.NegateVal(xi)

	for _, other := range otherIDNumbers {
		xj := other.scalar()
		var diff secp256k1.ModNScalar
		diff.Add2(xj, &negXi)
		if diff.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIDNumber, other)
		}
		num.Mul(xj)
		den.Mul(&diff)
	}

	den.InverseNonConst()
	return num.Mul(&den), nil
}
