package cryptoutils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T) Secret {
	t.Helper()
	s, err := GenerateRandomScalar()
	require.NoError(t, err)
	return s
}

func TestSecretEncoding(t *testing.T) {
	s := randomSecret(t)

	text, err := s.MarshalText()
	require.NoError(t, err)

	var decoded Secret
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, s, decoded)

	overflow := make([]byte, 32)
	for i := range overflow {
		overflow[i] = 0xff
	}
	_, err = NewSecretFromBytes(overflow)
	assert.ErrorIs(t, err, ErrInvalidScalar)

	_, err = NewSecretFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidScalar)
}

func TestPublicEncoding(t *testing.T) {
	p, err := GenerateRandomPoint()
	require.NoError(t, err)

	decoded, err := NewPublicFromHex("0x" + p.String())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	uncompressed := append([]byte{0x04}, p[:]...)
	decoded, err = NewPublicFromBytes(uncompressed)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	bad := p
	bad[63] ^= 0x01
	_, err = NewPublicFromBytes(bad[:])
	assert.ErrorIs(t, err, ErrInvalidPoint)
}

func TestComputePolynom(t *testing.T) {
	one := secretFromUint(1)
	two := secretFromUint(2)
	three := secretFromUint(3)

	// 1 + 2x + 3x^2 at x = 2 is 17
	value := ComputePolynom([]Secret{one, two, three}, two)
	assert.Equal(t, secretFromUint(17), value)
}

func TestAddPolynoms(t *testing.T) {
	p1, err := GenerateRandomPolynom(2)
	require.NoError(t, err)
	p2, err := GenerateRandomPolynom(2)
	require.NoError(t, err)

	sum, err := AddPolynoms(p1, p2)
	require.NoError(t, err)

	x := randomSecret(t)
	expected := ComputeSecretSum([]Secret{ComputePolynom(p1, x), ComputePolynom(p2, x)})
	assert.Equal(t, expected, ComputePolynom(sum, x))

	_, err = AddPolynoms(p1, p2[:2])
	assert.Error(t, err)
}

func TestAdditionalAbsoluteTermCancelsSum(t *testing.T) {
	shares := []Secret{randomSecret(t), randomSecret(t), randomSecret(t)}
	negated := ComputeAdditionalPolynom1AbsoluteTerm(shares)
	total := ComputeSecretSum(append(shares, negated))
	assert.True(t, total.IsZero())
}

func TestRefreshedKeysVerification(t *testing.T) {
	threshold := 2
	polynom, err := GenerateRandomPolynom(threshold)
	require.NoError(t, err)

	publics := make([]Public, len(polynom))
	for i, coeff := range polynom {
		publics[i] = ComputePublicShare(coeff)
	}

	idNumber := randomSecret(t)
	secret1 := ComputePolynom(polynom, idNumber)

	ok, err := RefreshedKeysVerification(threshold, idNumber, secret1, publics)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RefreshedKeysVerification(threshold, randomSecret(t), secret1, publics)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = RefreshedKeysVerification(threshold, idNumber, secret1, publics[:2])
	assert.Error(t, err)
}

func TestPublicNegate(t *testing.T) {
	p, err := GenerateRandomPoint()
	require.NoError(t, err)

	negated, err := PublicNegate(p)
	require.NoError(t, err)

	sum, err := ComputePublicSum([]Public{p, negated})
	require.NoError(t, err)
	assert.True(t, sum.IsInfinity())
}

func TestThresholdDecryption(t *testing.T) {
	threshold := 1
	polynom, err := GenerateRandomPolynom(threshold)
	require.NoError(t, err)

	jointSecret := polynom[0]
	jointPublic := ComputePublicShare(jointSecret)

	idNumbers := []Secret{randomSecret(t), randomSecret(t), randomSecret(t)}
	shares := make([]Secret, len(idNumbers))
	for i, id := range idNumbers {
		shares[i] = ComputePolynom(polynom, id)
	}

	message, err := GenerateRandomPoint()
	require.NoError(t, err)
	encrypted, err := EncryptSecret(message, jointPublic)
	require.NoError(t, err)

	direct, err := DecryptWithJointSecret(encrypted, jointSecret)
	require.NoError(t, err)
	assert.Equal(t, message, direct)

	for i := 0; i < len(idNumbers); i++ {
		for j := i + 1; j < len(idNumbers); j++ {
			group := []int{i, j}
			points := make([]Public, 0, len(group))
			for _, member := range group {
				var others []Secret
				for _, other := range group {
					if other != member {
						others = append(others, idNumbers[other])
					}
				}
				shadow, err := ComputeNodeShadow(shares[member], idNumbers[member], others)
				require.NoError(t, err)
				point, err := ComputeNodeShadowPoint(encrypted.CommonPoint, shadow)
				require.NoError(t, err)
				points = append(points, point)
			}

			joint, err := ComputeJointShadowPoint(points)
			require.NoError(t, err)
			decrypted, err := DecryptWithJointShadow(encrypted.EncryptedPoint, joint)
			require.NoError(t, err)
			assert.Equal(t, message, decrypted, "group %v", group)
		}
	}

	_, err = ComputeNodeShadow(shares[0], idNumbers[0], []Secret{idNumbers[0]})
	assert.ErrorIs(t, err, ErrDuplicateIDNumber)
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := PublicFromECDSA(&key.PublicKey)

	digest := Keccak256([]byte("nodes"))
	sig, err := Sign(key, digest)
	require.NoError(t, err)

	recovered, err := RecoverPublic(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer, recovered)
	assert.True(t, VerifySignature(signer, digest, sig))
	assert.False(t, VerifySignature(signer, Keccak256([]byte("other")), sig))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	ecdsaPub, err := signer.ToECDSA()
	require.NoError(t, err)
	assert.Equal(t, 0, key.PublicKey.X.Cmp(ecdsaPub.X))
}

func secretFromUint(v uint32) Secret {
	var s Secret
	s[28] = byte(v >> 24)
	s[29] = byte(v >> 16)
	s[30] = byte(v >> 8)
	s[31] = byte(v)
	return s
}
