package cryptoutils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidScalar is returned for a scalar that is not reduced modulo the group order.
	ErrInvalidScalar = errors.New("invalid secp256k1 scalar")
	// ErrInvalidPoint is returned for a point that does not lie on the curve.
	ErrInvalidPoint = errors.New("invalid secp256k1 point")
	// ErrZeroScalar is returned when a non-zero scalar is required.
	ErrZeroScalar = errors.New("zero scalar")
)

// Secret is a secp256k1 scalar in 32-byte big-endian form.
type Secret [32]byte

// NewSecretFromBytes validates and converts a big-endian scalar.
func NewSecretFromBytes(b []byte) (Secret, error) {
	if len(b) != 32 {
		return Secret{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidScalar, len(b))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(b); overflow {
		return Secret{}, ErrInvalidScalar
	}
	return Secret(k.Bytes()), nil
}

// NewSecretFromHex parses a hex scalar with an optional 0x prefix.
func NewSecretFromHex(s string) (Secret, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Secret{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewSecretFromBytes(raw)
}

// IsZero reports whether the scalar is zero.
func (s Secret) IsZero() bool {
	return s == Secret{}
}

// String returns hex representation.
func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	parsed, err := NewSecretFromHex(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Secret) scalar() *secp256k1.ModNScalar {
	var k secp256k1.ModNScalar
	b := [32]byte(s)
	k.SetBytes(&b)
	return &k
}

func secretFromScalar(k *secp256k1.ModNScalar) Secret {
	return Secret(k.Bytes())
}

// Public is an affine secp256k1 point encoded as X||Y. The all-zero value
// encodes the point at infinity.
type Public [64]byte

// NewPublicFromBytes accepts a 64-byte X||Y encoding or a 65-byte uncompressed
// SEC1 encoding and checks that the point lies on the curve.
func NewPublicFromBytes(b []byte) (Public, error) {
	switch {
	case len(b) == 65 && b[0] == 0x04:
		b = b[1:]
	case len(b) != 64:
		return Public{}, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidPoint, len(b))
	}
	var p Public
	copy(p[:], b)
	if _, err := p.jacobian(); err != nil {
		return Public{}, err
	}
	return p, nil
}

// NewPublicFromHex parses a hex point with an optional 0x prefix.
func NewPublicFromHex(s string) (Public, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Public{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewPublicFromBytes(raw)
}

// IsInfinity reports whether p encodes the point at infinity.
func (p Public) IsInfinity() bool {
	return p == Public{}
}

// String returns hex representation.
func (p Public) String() string {
	return hex.EncodeToString(p[:])
}

// MarshalText implements encoding.TextMarshaler.
func (p Public) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Public) UnmarshalText(text []byte) error {
	parsed, err := NewPublicFromHex(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Public) jacobian() (secp256k1.JacobianPoint, error) {
	var result secp256k1.JacobianPoint
	if p.IsInfinity() {
		return result, nil
	}
	if overflow := result.X.SetByteSlice(p[:32]); overflow {
		return result, ErrInvalidPoint
	}
	if overflow := result.Y.SetByteSlice(p[32:]); overflow {
		return result, ErrInvalidPoint
	}
	result.Z.SetInt(1)

	// y^2 == x^3 + 7
	var lhs, rhs secp256k1.FieldVal
	lhs.SquareVal(&result.Y).Normalize()
	rhs.SquareVal(&result.X).Mul(&result.X).AddInt(7).Normalize()
	if !lhs.Equals(&rhs) {
		return result, ErrInvalidPoint
	}
	return result, nil
}

func publicFromJacobian(point *secp256k1.JacobianPoint) Public {
	if point.Z.IsZero() || (point.X.IsZero() && point.Y.IsZero()) {
		return Public{}
	}
	affine := *point
	affine.ToAffine()

	var p Public
	copy(p[:32], affine.X.Bytes()[:])
	copy(p[32:], affine.Y.Bytes()[:])
	return p
}
