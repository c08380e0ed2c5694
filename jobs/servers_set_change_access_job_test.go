package jobs

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signNodes(t *testing.T, key *ecdsa.PrivateKey, set interfaces.NodeSet) cryptoutils.Signature {
	t.Helper()
	sig, err := cryptoutils.Sign(key, OrderedNodesHash(set))
	require.NoError(t, err)
	return sig
}

func TestOrderedNodesHashIgnoresInsertionOrder(t *testing.T) {
	a := interfaces.NewNodeSet(nodeID(3), nodeID(1), nodeID(2))
	b := interfaces.NewNodeSet(nodeID(2), nodeID(3), nodeID(1))
	assert.Equal(t, OrderedNodesHash(a), OrderedNodesHash(b))
	assert.NotEqual(t, OrderedNodesHash(a), OrderedNodesHash(nodes(1, 2)))

	id1, id2, id3 := nodeID(1), nodeID(2), nodeID(3)
	assert.Equal(t, cryptoutils.Keccak256(id1[:], id2[:], id3[:]), OrderedNodesHash(a))
}

func TestServersSetChangeAccessJob(t *testing.T) {
	admin, err := crypto.GenerateKey()
	require.NoError(t, err)
	adminPublic := cryptoutils.PublicFromECDSA(&admin.PublicKey)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	oldSet := nodes(1, 2, 3)
	newSet := nodes(1, 2)

	testCases := []struct {
		name      string
		oldSig    cryptoutils.Signature
		newSig    cryptoutils.Signature
		current   interfaces.NodeSet
		confirmed bool
	}{
		{
			name:      "signed by administrator",
			oldSig:    signNodes(t, admin, oldSet),
			newSig:    signNodes(t, admin, newSet),
			current:   oldSet,
			confirmed: true,
		},
		{
			name:      "old set signed by someone else",
			oldSig:    signNodes(t, other, oldSet),
			newSig:    signNodes(t, admin, newSet),
			current:   oldSet,
			confirmed: false,
		},
		{
			name:      "new set signature over another set",
			oldSig:    signNodes(t, admin, oldSet),
			newSig:    signNodes(t, admin, nodes(1, 3)),
			current:   oldSet,
			confirmed: false,
		},
		{
			name:      "old set differs from local share holders",
			oldSig:    signNodes(t, admin, oldSet),
			newSig:    signNodes(t, admin, newSet),
			current:   nodes(1, 2, 4),
			confirmed: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			master := NewServersSetChangeAccessJobOnMaster(adminPublic, oldSet, newSet, tc.oldSig, tc.newSig)
			request, err := master.PreparePartialRequest(nodeID(2), oldSet)
			require.NoError(t, err)

			slave := NewServersSetChangeAccessJobOnSlave(adminPublic, tc.current)
			action, err := slave.ProcessPartialRequest(request)
			require.NoError(t, err)
			assert.Equal(t, tc.confirmed, action.Response)
			assert.Equal(t, !tc.confirmed, action.IsReject)
			assert.True(t, newSet.Equal(slave.NewServersSet()))
		})
	}
}

func TestServersSetChangeAccessJobOnSlaveCannotPrepare(t *testing.T) {
	job := NewServersSetChangeAccessJobOnSlave(cryptoutils.Public{}, nodes(1))
	_, err := job.PreparePartialRequest(nodeID(1), nodes(1))
	assert.ErrorIs(t, err, interfaces.ErrInvalidStateForRequest)
}

func TestServersSetChangeConsensus(t *testing.T) {
	admin, err := crypto.GenerateKey()
	require.NoError(t, err)
	adminPublic := cryptoutils.PublicFromECDSA(&admin.PublicKey)

	all := nodes(1, 2, 3)
	newSet := nodes(1, 2)
	meta := ServersSetChangeConsensusMeta(masterMeta(1), all)
	assert.Equal(t, 2, meta.Threshold)

	job := NewServersSetChangeAccessJobOnMaster(adminPublic, all, newSet, signNodes(t, admin, all), signNodes(t, admin, newSet))
	transport := &dummyJobTransport[ServersSetChangeAccessRequest, bool]{}
	session := NewServersSetChangeConsensusSession(meta, job, transport)

	require.NoError(t, session.Initialize(all))
	assert.Equal(t, EstablishingConsensus, session.State())
	assert.Len(t, transport.requests, 2)

	require.NoError(t, session.OnConsensusPartialResponse(nodeID(2), true))
	assert.Equal(t, EstablishingConsensus, session.State())
	require.NoError(t, session.OnConsensusPartialResponse(nodeID(3), true))
	assert.Equal(t, ConsensusEstablished, session.State())
}
