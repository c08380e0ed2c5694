package cryptoutils

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateRandomScalar returns a uniformly random non-zero scalar.
func GenerateRandomScalar() (Secret, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Secret{}, fmt.Errorf("failed to generate scalar: %w", err)
	}
	return secretFromScalar(&key.Key), nil
}

// GenerateRandomPoint returns G*k for a fresh random k.
func GenerateRandomPoint() (Public, error) {
	k, err := GenerateRandomScalar()
	if err != nil {
		return Public{}, err
	}
	return ComputePublicShare(k), nil
}

// GenerateRandomPolynom returns threshold+1 random coefficients, lowest degree first.
func GenerateRandomPolynom(threshold int) ([]Secret, error) {
	polynom := make([]Secret, threshold+1)
	for i := range polynom {
		coeff, err := GenerateRandomScalar()
		if err != nil {
			return nil, err
		}
		polynom[i] = coeff
	}
	return polynom, nil
}

// AddPolynoms adds two polynomials of the same degree coefficient-wise.
func AddPolynoms(polynom1, polynom2 []Secret) ([]Secret, error) {
	if len(polynom1) != len(polynom2) {
		return nil, fmt.Errorf("polynom degree mismatch: %d != %d", len(polynom1)-1, len(polynom2)-1)
	}
	sum := make([]Secret, len(polynom1))
	for i := range polynom1 {
		sum[i] = secretFromScalar(polynom1[i].scalar().Add(polynom2[i].scalar()))
	}
	return sum, nil
}

// ComputePolynom evaluates the polynomial at x using Horner's rule.
func ComputePolynom(polynom []Secret, x Secret) Secret {
	var result secp256k1.ModNScalar
	point := x.scalar()
	for i := len(polynom) - 1; i >= 0; i-- {
		result.Mul(point).Add(polynom[i].scalar())
	}
	return secretFromScalar(&result)
}

// ComputeSecretSum returns the sum of the given scalars.
func ComputeSecretSum(secrets []Secret) Secret {
	var sum secp256k1.ModNScalar
	for _, s := range secrets {
		sum.Add(s.scalar())
	}
	return secretFromScalar(&sum)
}

// ComputeAdditionalPolynom1AbsoluteTerm returns the negated sum of the given
// shares. A polynomial with this constant term cancels the refresh
// contributions that were added to the existing polynomials.
func ComputeAdditionalPolynom1AbsoluteTerm(shares []Secret) Secret {
	sum := ComputeSecretSum(shares).scalar()
	return secretFromScalar(sum.Negate())
}

// ComputeSecretShare sums the refreshed secret values received from every
// participant into the node's share.
func ComputeSecretShare(values []Secret) Secret {
	return ComputeSecretSum(values)
}

// ComputeJointSecret sums the absolute terms of every participant polynomial.
func ComputeJointSecret(absoluteTerms []Secret) Secret {
	return ComputeSecretSum(absoluteTerms)
}

// ComputePublicShare returns G*s.
func ComputePublicShare(s Secret) Public {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s.scalar(), &result)
	return publicFromJacobian(&result)
}

// ComputePublicSum adds the given points.
func ComputePublicSum(publics []Public) (Public, error) {
	var sum secp256k1.JacobianPoint
	for _, p := range publics {
		point, err := p.jacobian()
		if err != nil {
			return Public{}, err
		}
		sum = addPoints(&sum, &point)
	}
	return publicFromJacobian(&sum), nil
}

// ComputeJointPublic sums the public shares of every participant.
func ComputeJointPublic(publicShares []Public) (Public, error) {
	return ComputePublicSum(publicShares)
}

// PublicMulSecret returns p*s.
func PublicMulSecret(p Public, s Secret) (Public, error) {
	point, err := p.jacobian()
	if err != nil {
		return Public{}, err
	}
	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(s.scalar(), &point, &result)
	return publicFromJacobian(&result), nil
}

// PublicNegate returns -p.
func PublicNegate(p Public) (Public, error) {
	point, err := p.jacobian()
	if err != nil {
		return Public{}, err
	}
	if p.IsInfinity() {
		return p, nil
	}
	point.Y.Negate(1).Normalize()
	return publicFromJacobian(&point), nil
}

// RefreshedKeysVerification checks a refreshed secret value received from a
// peer against that peer's public coefficient commitments:
// G*secret1 == sum(publics[i] * idNumber^i).
func RefreshedKeysVerification(threshold int, idNumber, secret1 Secret, publics []Public) (bool, error) {
	if len(publics) != threshold+1 {
		return false, fmt.Errorf("expected %d public coefficients, got %d", threshold+1, len(publics))
	}

	left := ComputePublicShare(secret1)

	right, err := publics[0].jacobian()
	if err != nil {
		return false, err
	}
	var power secp256k1.ModNScalar
	power.SetInt(1)
	for i := 1; i <= threshold; i++ {
		power.Mul(idNumber.scalar())

		coeff, err := publics[i].jacobian()
		if err != nil {
			return false, err
		}
		var term secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&power, &coeff, &term)
		right = addPoints(&right, &term)
	}

	return left == publicFromJacobian(&right), nil
}

func addPoints(p1, p2 *secp256k1.JacobianPoint) secp256k1.JacobianPoint {
	var result secp256k1.JacobianPoint
	secp256k1.AddNonConst(p1, p2, &result)
	return result
}
