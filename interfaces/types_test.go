package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeID(t *testing.T) NodeID {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NodeID(cryptoutils.PublicFromECDSA(&key.PublicKey))
}

func TestNodeSet(t *testing.T) {
	a, b, c := testNodeID(t), testNodeID(t), testNodeID(t)

	set := NewNodeSet(a, b)
	assert.True(t, set.Contains(a))
	assert.False(t, set.Contains(c))

	set.Add(c)
	assert.Len(t, set, 3)
	assert.True(t, set.Remove(c))
	assert.False(t, set.Remove(c))

	clone := set.Clone()
	clone.Add(c)
	assert.False(t, set.Contains(c), "clone must not share storage")

	assert.True(t, set.Equal(NewNodeSet(b, a)))
	assert.False(t, set.Equal(clone))
	assert.True(t, set.IsSubsetOf(clone))
	assert.False(t, clone.IsSubsetOf(set))
	assert.True(t, clone.Difference(set).Equal(NewNodeSet(c)))
	assert.Empty(t, set.Difference(clone))

	sorted := clone.Sorted()
	require.Len(t, sorted, 3)
	for i := 1; i < len(sorted); i++ {
		assert.Negative(t, compareNodeIDs(sorted[i-1], sorted[i]))
	}
}

func compareNodeIDs(a, b NodeID) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

func TestNodeIDEncoding(t *testing.T) {
	id := testNodeID(t)

	parsed, err := NewNodeIDFromHex("0x" + id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	prefixed, err := NewNodeIDFromBytes(append([]byte{0x04}, id[:]...))
	require.NoError(t, err)
	assert.Equal(t, id, prefixed)

	_, err = NewNodeIDFromHex("zz")
	assert.Error(t, err)

	var notOnCurve NodeID
	notOnCurve[0] = 1
	_, err = NewNodeIDFromBytes(notOnCurve[:])
	assert.Error(t, err)

	encoded, err := json.Marshal(map[string]NodeID{"node": id})
	require.NoError(t, err)
	var decoded map[string]NodeID
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, id, decoded["node"])
}

func TestSessionIDFromHex(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "0102030405060708091011121314151617181920212223242526272829303132", false},
		{"prefixed", "0x0102030405060708091011121314151617181920212223242526272829303132", false},
		{"too short", "0102", true},
		{"not hex", "zz02030405060708091011121314151617181920212223242526272829303132", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := NewSessionIDFromHex(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, byte(0x01), id[0])
			assert.Equal(t, byte(0x32), id[31])
		})
	}
}

func TestNewNodeAddress(t *testing.T) {
	for input, valid := range map[string]bool{
		"127.0.0.1:8083": true,
		"[::1]:8083":     true,
		"localhost:8083": false,
		"127.0.0.1":      false,
		"127.0.0.1:port": false,
		"10.0.0.1:70000": false,
	} {
		_, err := NewNodeAddress(input)
		if valid {
			assert.NoError(t, err, input)
		} else {
			assert.Error(t, err, input)
		}
	}
}

func TestErrorFromWire(t *testing.T) {
	for _, sentinel := range wireErrors {
		assert.ErrorIs(t, ErrorFromWire(sentinel.Error()), sentinel)

		wrapped := fmt.Errorf("%w: node 01020304", sentinel)
		fromWire := ErrorFromWire(wrapped.Error())
		assert.ErrorIs(t, fromWire, sentinel)
		assert.Equal(t, wrapped.Error(), fromWire.Error())
	}

	unknown := ErrorFromWire("disk on fire")
	assert.ErrorIs(t, unknown, ErrInternal)
	assert.Contains(t, unknown.Error(), "disk on fire")

	// a sentinel name that is only a prefix of another word is not matched
	assert.ErrorIs(t, ErrorFromWire("access deniedness"), ErrInternal)
}

func TestIsNonFatal(t *testing.T) {
	assert.True(t, IsNonFatal(ErrTooEarlyForRequest))
	assert.True(t, IsNonFatal(fmt.Errorf("wrapped: %w", ErrNodeDisconnected)))
	assert.False(t, IsNonFatal(ErrConsensusUnreachable))
	assert.False(t, IsNonFatal(ErrAccessDenied))
	assert.False(t, IsNonFatal(errors.New("other")))

	storageErr := KeyStorageError(ErrKeyNotFound)
	assert.ErrorIs(t, storageErr, ErrKeyStorage)
	assert.ErrorIs(t, storageErr, ErrKeyNotFound)
}

func TestClusterMessageValidate(t *testing.T) {
	testCases := []struct {
		name    string
		message ClusterMessage
		wantErr bool
	}{
		{
			name:    "empty envelope",
			message: ClusterMessage{},
			wantErr: true,
		},
		{
			name: "both payloads",
			message: ClusterMessage{
				ShareAdd:    &ShareAddMessage{ConfirmInitialization: &ConfirmShareAddInitialization{}},
				ShareRemove: &ShareRemoveMessage{Confirm: &ShareRemoveConfirm{}},
			},
			wantErr: true,
		},
		{
			name:    "share add without payload",
			message: ClusterMessage{ShareAdd: &ShareAddMessage{}},
			wantErr: true,
		},
		{
			name: "share add with two payloads",
			message: ClusterMessage{ShareAdd: &ShareAddMessage{
				ConfirmInitialization: &ConfirmShareAddInitialization{},
				Error:                 &ShareAddError{Error: "x"},
			}},
			wantErr: true,
		},
		{
			name:    "share add confirm",
			message: ClusterMessage{ShareAdd: &ShareAddMessage{ConfirmInitialization: &ConfirmShareAddInitialization{}}},
		},
		{
			name:    "empty consensus message",
			message: ClusterMessage{ShareRemove: &ShareRemoveMessage{Consensus: &ShareRemoveConsensusMessage{}}},
			wantErr: true,
		},
		{
			name: "consensus confirm",
			message: ClusterMessage{ShareRemove: &ShareRemoveMessage{Consensus: &ShareRemoveConsensusMessage{
				ConfirmConsensusInitialization: &ConfirmConsensusInitialization{IsConfirmed: true},
			}}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.message.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClusterMessageDescribe(t *testing.T) {
	id := SessionID{1}

	add := &ClusterMessage{ShareAdd: &ShareAddMessage{Session: id, KeyShareCommon: &KeyShareCommon{}}}
	assert.Equal(t, ShareAddSessionKind, add.Kind())
	assert.Equal(t, id, add.SessionID())
	assert.Equal(t, "ShareAdd.KeyShareCommon", add.String())

	remove := &ClusterMessage{ShareRemove: &ShareRemoveMessage{Session: id, Request: &ShareRemoveRequest{}}}
	assert.Equal(t, ShareRemoveSessionKind, remove.Kind())
	assert.Equal(t, id, remove.SessionID())
	assert.Equal(t, "ShareRemove.ShareRemoveRequest", remove.String())

	assert.Equal(t, "Empty", (&ClusterMessage{}).String())
}

func TestDocumentKeyShareClone(t *testing.T) {
	a, b := testNodeID(t), testNodeID(t)
	point := cryptoutils.Public(a)
	share := &DocumentKeyShare{
		Threshold:   1,
		CommonPoint: &point,
		IDNumbers:   map[NodeID]cryptoutils.Secret{a: {}, b: {}},
		Polynom1:    []cryptoutils.Secret{{}, {}},
	}

	clone := share.Clone()
	require.Equal(t, share, clone)

	delete(clone.IDNumbers, b)
	clone.Polynom1[0][0] = 1
	clone.CommonPoint[0] = 0xff

	assert.Len(t, share.IDNumbers, 2)
	assert.Zero(t, share.Polynom1[0][0])
	assert.NotEqual(t, byte(0xff), share.CommonPoint[0])
	assert.True(t, share.Nodes().Equal(NewNodeSet(a, b)))
}

func TestStorageBackendLocation(t *testing.T) {
	loc, err := NewStorageBackendLocation("s3://user:pass@bucket/prefix/?region=us-west-2&sealed=yes")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "bucket", loc.Host)
	assert.Equal(t, "/prefix/", loc.Path)
	assert.Equal(t, "user:pass", loc.Auth)
	assert.Equal(t, "us-west-2", loc.GetParam("region"))
	assert.True(t, loc.GetParamBool("sealed"))
	assert.False(t, loc.GetParamBool("missing"))

	_, err = NewStorageBackendLocation("ftp://host/path")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}
