package cluster

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
	"github.com/ruteri/secret-store-cluster/keyserverset"
	"github.com/ruteri/secret-store-cluster/storage"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testNode struct {
	id      interfaces.NodeID
	key     *ecdsa.PrivateKey
	storage *storage.KeyStorage
	cluster *Cluster
}

func (n *testNode) NodeID() interfaces.NodeID { return n.id }

func (n *testNode) Sign(digest [32]byte) (cryptoutils.Signature, error) {
	return cryptoutils.Sign(n.key, digest)
}

type testCluster struct {
	admin   *ecdsa.PrivateKey
	network *LoopbackNetwork
	nodes   []*testNode
	byID    map[interfaces.NodeID]*testNode
}

func newTestNodeKey(t *testing.T) (interfaces.NodeID, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return interfaces.NodeID(cryptoutils.PublicFromECDSA(&key.PublicKey)), key
}

// newTestCluster starts n connected key servers sharing one static set.
func newTestCluster(t *testing.T, n int, configure func(*Config)) *testCluster {
	t.Helper()

	admin, err := crypto.GenerateKey()
	require.NoError(t, err)
	adminPublic := cryptoutils.PublicFromECDSA(&admin.PublicKey)

	tc := &testCluster{
		admin:   admin,
		network: NewLoopbackNetwork(),
		byID:    make(map[interfaces.NodeID]*testNode, n),
	}

	addresses := make(map[interfaces.NodeID]interfaces.NodeAddress, n)
	for i := 0; i < n; i++ {
		id, key := newTestNodeKey(t)
		addresses[id] = interfaces.NodeAddress(fmt.Sprintf("127.0.0.1:%d", 9000+i))
		tc.nodes = append(tc.nodes, &testNode{id: id, key: key})
	}
	serverSet := keyserverset.NewStaticKeyServerSet(addresses)

	for _, node := range tc.nodes {
		keys, err := storage.NewKeyStorage(storage.NewMemoryBackend(node.id.Short()), nil, 0, testLogger)
		require.NoError(t, err)
		node.storage = keys

		cfg := Config{
			Self:         node.id,
			AdminPublic:  &adminPublic,
			RequeueDelay: 5 * time.Millisecond,
		}
		if configure != nil {
			configure(&cfg)
		}

		c, err := New(cfg, keys, serverSet, tc.network.Transport(node.id), nil, testLogger)
		require.NoError(t, err)
		t.Cleanup(c.Stop)

		node.cluster = c
		tc.network.Register(node.id, c)
		tc.byID[node.id] = node
	}
	return tc
}

func (tc *testCluster) ids(nodes ...*testNode) interfaces.NodeSet {
	set := interfaces.NewNodeSet()
	for _, node := range nodes {
		set.Add(node.id)
	}
	return set
}

func (tc *testCluster) sign(t *testing.T, nodes interfaces.NodeSet) cryptoutils.Signature {
	t.Helper()
	signature, err := cryptoutils.Sign(tc.admin, jobs.OrderedNodesHash(nodes))
	require.NoError(t, err)
	return signature
}

// generateKey stores shares of a fresh server key on holders, as a
// dealerless key generation would.
func generateKey(t *testing.T, threshold int, holders []*testNode) (interfaces.SessionID, cryptoutils.Public) {
	t.Helper()

	id := interfaces.SessionID(cryptoutils.Keccak256([]byte(t.Name())))
	author, err := cryptoutils.GenerateRandomPoint()
	require.NoError(t, err)

	idNumbers := make(map[interfaces.NodeID]cryptoutils.Secret, len(holders))
	polynoms := make(map[interfaces.NodeID][]cryptoutils.Secret, len(holders))
	absoluteTerms := make([]cryptoutils.Secret, 0, len(holders))
	for _, holder := range holders {
		idNumber, err := cryptoutils.GenerateRandomScalar()
		require.NoError(t, err)
		idNumbers[holder.id] = idNumber

		polynom, err := cryptoutils.GenerateRandomPolynom(threshold)
		require.NoError(t, err)
		polynoms[holder.id] = polynom
		absoluteTerms = append(absoluteTerms, polynom[0])
	}

	for _, holder := range holders {
		values := make([]cryptoutils.Secret, 0, len(holders))
		for _, dealer := range holders {
			values = append(values, cryptoutils.ComputePolynom(polynoms[dealer.id], idNumbers[holder.id]))
		}
		share := &interfaces.DocumentKeyShare{
			Threshold:   threshold,
			Author:      author,
			IDNumbers:   make(map[interfaces.NodeID]cryptoutils.Secret, len(idNumbers)),
			Polynom1:    polynoms[holder.id],
			SecretShare: cryptoutils.ComputeSecretShare(values),
		}
		for node, idNumber := range idNumbers {
			share.IDNumbers[node] = idNumber
		}
		require.NoError(t, holder.storage.Insert(id, share))
	}

	return id, cryptoutils.ComputePublicShare(cryptoutils.ComputeJointSecret(absoluteTerms))
}

// requireDecryptable decrypts a fresh ciphertext with the first threshold+1
// holders, using their stored shares only.
func requireDecryptable(t *testing.T, id interfaces.SessionID, jointPublic cryptoutils.Public, holders []*testNode) {
	t.Helper()

	message, err := cryptoutils.GenerateRandomPoint()
	require.NoError(t, err)
	encrypted, err := cryptoutils.EncryptSecret(message, jointPublic)
	require.NoError(t, err)

	first, err := holders[0].storage.Get(id)
	require.NoError(t, err)
	group := holders[:first.Threshold+1]

	points := make([]cryptoutils.Public, 0, len(group))
	for _, member := range group {
		share, err := member.storage.Get(id)
		require.NoError(t, err)

		others := make([]cryptoutils.Secret, 0, len(group)-1)
		for _, other := range group {
			if other != member {
				others = append(others, share.IDNumbers[other.id])
			}
		}
		shadow, err := cryptoutils.ComputeNodeShadow(share.SecretShare, share.IDNumbers[member.id], others)
		require.NoError(t, err)
		point, err := cryptoutils.ComputeNodeShadowPoint(encrypted.CommonPoint, shadow)
		require.NoError(t, err)
		points = append(points, point)
	}

	joint, err := cryptoutils.ComputeJointShadowPoint(points)
	require.NoError(t, err)
	decrypted, err := cryptoutils.DecryptWithJointShadow(encrypted.EncryptedPoint, joint)
	require.NoError(t, err)
	require.Equal(t, message, decrypted)
}

// sinkHandler accepts and discards messages.
type sinkHandler struct{}

func (sinkHandler) OnMessage(interfaces.NodeID, *interfaces.ClusterMessage) error { return nil }
