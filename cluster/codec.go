package cluster

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// messages are signed, so the encoding must be deterministic
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMessage serializes a cluster message for the wire.
func EncodeMessage(message *interfaces.ClusterMessage) ([]byte, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", message, err)
	}
	return data, nil
}

// DecodeMessage parses and validates a cluster message.
func DecodeMessage(data []byte) (*interfaces.ClusterMessage, error) {
	var message interfaces.ClusterMessage
	if err := decMode.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidMessage, err)
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return &message, nil
}

// MessageDigest is what a sender signs: the encoded message bound to its
// recipient, so that a message cannot be replayed to another node.
func MessageDigest(to interfaces.NodeID, body []byte) [32]byte {
	return cryptoutils.Keccak256([]byte("secretstore cluster message"), to[:], body)
}

// DecodeSignedMessage authenticates a message received by self and returns
// its sender.
func DecodeSignedMessage(self interfaces.NodeID, body []byte, signature cryptoutils.Signature) (interfaces.NodeID, *interfaces.ClusterMessage, error) {
	signer, err := cryptoutils.RecoverPublic(MessageDigest(self, body), signature)
	if err != nil {
		return interfaces.NodeID{}, nil, fmt.Errorf("%w: %w", interfaces.ErrAccessDenied, err)
	}
	message, err := DecodeMessage(body)
	if err != nil {
		return interfaces.NodeID{}, nil, err
	}
	return interfaces.NodeID(signer), message, nil
}
