package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

func TestEncodeDecodeMessage(t *testing.T) {
	node, _ := newTestNodeKey(t)
	idNumber, err := cryptoutils.GenerateRandomScalar()
	require.NoError(t, err)
	point, err := cryptoutils.GenerateRandomPoint()
	require.NoError(t, err)
	id := interfaces.SessionID(cryptoutils.Keccak256([]byte("key")))

	messages := []*interfaces.ClusterMessage{
		{ShareAdd: &interfaces.ShareAddMessage{
			Session:      id,
			SessionNonce: 42,
			InitializeSession: &interfaces.InitializeShareAddSession{
				Threshold:       1,
				Nodes:           []interfaces.NodeIDNumber{{Node: node, IDNumber: idNumber}},
				NewNodes:        []interfaces.NodeID{node},
				OldSetSignature: cryptoutils.Signature{0: 1, 64: 27},
				NewSetSignature: cryptoutils.Signature{0: 2, 64: 28},
			},
		}},
		{ShareAdd: &interfaces.ShareAddMessage{
			Session:               id,
			ConfirmInitialization: &interfaces.ConfirmShareAddInitialization{},
		}},
		{ShareAdd: &interfaces.ShareAddMessage{
			Session:        id,
			KeyShareCommon: &interfaces.KeyShareCommon{Author: point, CommonPoint: &point},
		}},
		{ShareRemove: &interfaces.ShareRemoveMessage{
			Session:      id,
			SessionNonce: 7,
			Consensus: &interfaces.ShareRemoveConsensusMessage{
				ConfirmConsensusInitialization: &interfaces.ConfirmConsensusInitialization{IsConfirmed: true},
			},
		}},
		{ShareRemove: &interfaces.ShareRemoveMessage{
			Session: id,
			Confirm: &interfaces.ShareRemoveConfirm{},
		}},
	}

	for _, message := range messages {
		t.Run(message.String(), func(t *testing.T) {
			data, err := EncodeMessage(message)
			require.NoError(t, err)

			decoded, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, message, decoded)

			again, err := EncodeMessage(decoded)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestDecodeMessageRejects(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0x00})
	require.ErrorIs(t, err, interfaces.ErrInvalidMessage)

	_, err = EncodeMessage(&interfaces.ClusterMessage{})
	require.ErrorIs(t, err, interfaces.ErrInvalidMessage)

	// two payloads in one message
	data, err := encMode.Marshal(&interfaces.ClusterMessage{ShareAdd: &interfaces.ShareAddMessage{
		ConfirmInitialization: &interfaces.ConfirmShareAddInitialization{},
		Error:                 &interfaces.ShareAddError{Error: "boom"},
	}})
	require.NoError(t, err)
	_, err = DecodeMessage(data)
	require.ErrorIs(t, err, interfaces.ErrInvalidMessage)
}

func TestDecodeSignedMessage(t *testing.T) {
	sender, senderKey := newTestNodeKey(t)
	recipient, _ := newTestNodeKey(t)
	other, _ := newTestNodeKey(t)

	body, err := EncodeMessage(&interfaces.ClusterMessage{ShareRemove: &interfaces.ShareRemoveMessage{
		Request: &interfaces.ShareRemoveRequest{},
	}})
	require.NoError(t, err)

	signature, err := cryptoutils.Sign(senderKey, MessageDigest(recipient, body))
	require.NoError(t, err)

	signer, message, err := DecodeSignedMessage(recipient, body, signature)
	require.NoError(t, err)
	assert.Equal(t, sender, signer)
	assert.NotNil(t, message.ShareRemove.Request)

	// a message replayed to another node does not authenticate the sender
	signer, _, err = DecodeSignedMessage(other, body, signature)
	if err == nil {
		assert.NotEqual(t, sender, signer)
	} else {
		assert.ErrorIs(t, err, interfaces.ErrAccessDenied)
	}

	_, _, err = DecodeSignedMessage(recipient, body, cryptoutils.Signature{})
	require.ErrorIs(t, err, interfaces.ErrAccessDenied)
}
