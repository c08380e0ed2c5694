package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
)

func waitFinished(t *testing.T, kind interfaces.SessionKind, id interfaces.SessionID, nodes ...*testNode) {
	t.Helper()
	for _, node := range nodes {
		require.Eventually(t, func() bool {
			status, err := node.cluster.SessionStatus(kind, id)
			return err == nil && status.Finished
		}, 10*time.Second, 5*time.Millisecond, "session did not finish on %s", node.id.Short())
	}
}

func TestShareAdd(t *testing.T) {
	tc := newTestCluster(t, 4, nil)
	oldNodes := tc.nodes[:3]
	newNode := tc.nodes[3]
	id, jointPublic := generateKey(t, 1, oldNodes)

	master := oldNodes[0]
	newSet := tc.ids(tc.nodes...)
	status, err := master.cluster.StartShareAdd(id, tc.ids(newNode), tc.sign(t, tc.ids(oldNodes...)), tc.sign(t, newSet))
	require.NoError(t, err)
	assert.True(t, status.IsMaster)
	assert.Equal(t, interfaces.ShareAddSessionKind, status.Kind)

	waitFinished(t, interfaces.ShareAddSessionKind, id, tc.nodes...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, node := range tc.nodes {
		require.NoError(t, node.cluster.WaitSession(ctx, interfaces.ShareAddSessionKind, id))

		share, err := node.storage.Get(id)
		require.NoError(t, err)
		assert.True(t, share.Nodes().Equal(newSet))
	}

	status, err = newNode.cluster.SessionStatus(interfaces.ShareAddSessionKind, id)
	require.NoError(t, err)
	assert.Equal(t, master.id, status.Master)
	assert.False(t, status.IsMaster)
	assert.Empty(t, status.Error)

	// the new node can stand in for an old one
	requireDecryptable(t, id, jointPublic, []*testNode{newNode, oldNodes[1]})
	requireDecryptable(t, id, jointPublic, []*testNode{oldNodes[2], newNode})
}

func TestShareRemove(t *testing.T) {
	tc := newTestCluster(t, 4, nil)
	id, jointPublic := generateKey(t, 1, tc.nodes)

	master := tc.nodes[0]
	removed := tc.nodes[3]
	oldSet := tc.ids(tc.nodes...)
	newSet := tc.ids(tc.nodes[:3]...)

	_, err := master.cluster.StartShareRemove(id, tc.ids(removed), tc.sign(t, oldSet), tc.sign(t, newSet))
	require.NoError(t, err)

	waitFinished(t, interfaces.ShareRemoveSessionKind, id, tc.nodes...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, node := range tc.nodes {
		require.NoError(t, node.cluster.WaitSession(ctx, interfaces.ShareRemoveSessionKind, id))
	}

	assert.False(t, removed.storage.Contains(id))
	for _, node := range tc.nodes[:3] {
		share, err := node.storage.Get(id)
		require.NoError(t, err)
		assert.True(t, share.Nodes().Equal(newSet))
	}
	requireDecryptable(t, id, jointPublic, tc.nodes[1:3])
}

func TestShareRemoveRejectedSignature(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes)

	oldSet := tc.ids(tc.nodes...)
	newSet := tc.ids(tc.nodes[:2]...)
	// signature over the wrong set
	_, err := tc.nodes[0].cluster.StartShareRemove(id, tc.ids(tc.nodes[2]), tc.sign(t, oldSet), tc.sign(t, oldSet))
	if err == nil {
		waitFinished(t, interfaces.ShareRemoveSessionKind, id, tc.nodes[0])
		err = tc.nodes[0].cluster.WaitSession(context.Background(), interfaces.ShareRemoveSessionKind, id)
	}
	require.Error(t, err)

	for _, node := range tc.nodes {
		share, err := node.storage.Get(id)
		require.NoError(t, err)
		assert.False(t, share.Nodes().Equal(newSet))
	}
}

func TestStartShareAddChecks(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes[:2])
	master := tc.nodes[0]

	t.Run("unknown key", func(t *testing.T) {
		var unknown interfaces.SessionID
		_, err := master.cluster.StartShareAdd(unknown, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
		require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	})

	t.Run("signature over another set", func(t *testing.T) {
		_, err := master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes[:2]...)))
		require.ErrorIs(t, err, interfaces.ErrAccessDenied)
	})

	t.Run("node outside of the server set", func(t *testing.T) {
		stranger, _ := newTestNodeKey(t)
		set := tc.ids(tc.nodes[:2]...)
		set.Add(stranger)
		_, err := master.cluster.StartShareAdd(id, interfaces.NewNodeSet(stranger), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, set))
		require.ErrorIs(t, err, interfaces.ErrInvalidNodesConfiguration)
	})

	t.Run("no administrator", func(t *testing.T) {
		tc := newTestCluster(t, 2, func(cfg *Config) { cfg.AdminPublic = nil })
		id, _ := generateKey(t, 0, tc.nodes[:1])
		_, err := tc.nodes[0].cluster.StartShareAdd(id, tc.ids(tc.nodes[1]), tc.sign(t, tc.ids(tc.nodes[:1]...)), tc.sign(t, tc.ids(tc.nodes...)))
		require.ErrorIs(t, err, interfaces.ErrAccessDenied)
	})
}

func TestShareAddFromRogueHolderIsRejected(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes[:2])
	rogue, holder, newNode := tc.nodes[0], tc.nodes[1], tc.nodes[2]

	share, err := rogue.storage.Get(id)
	require.NoError(t, err)
	newIDNumber, err := cryptoutils.GenerateRandomScalar()
	require.NoError(t, err)

	// the rogue holder signs the sets with its own node key
	oldSet := tc.ids(rogue, holder)
	newSet := tc.ids(tc.nodes...)
	oldSig, err := cryptoutils.Sign(rogue.key, jobs.OrderedNodesHash(oldSet))
	require.NoError(t, err)
	newSig, err := cryptoutils.Sign(rogue.key, jobs.OrderedNodesHash(newSet))
	require.NoError(t, err)

	initialize := &interfaces.InitializeShareAddSession{
		Threshold: 1,
		Nodes: []interfaces.NodeIDNumber{
			{Node: rogue.id, IDNumber: share.IDNumbers[rogue.id]},
			{Node: holder.id, IDNumber: share.IDNumbers[holder.id]},
			{Node: newNode.id, IDNumber: newIDNumber},
		},
		NewNodes:        []interfaces.NodeID{newNode.id},
		OldSetSignature: oldSig,
		NewSetSignature: newSig,
	}
	for _, target := range []*testNode{holder, newNode} {
		require.NoError(t, target.cluster.OnMessage(rogue.id, &interfaces.ClusterMessage{ShareAdd: &interfaces.ShareAddMessage{
			Session:           id,
			SessionNonce:      1,
			InitializeSession: initialize,
		}}))
	}

	waitFinished(t, interfaces.ShareAddSessionKind, id, holder, newNode)
	for _, node := range []*testNode{holder, newNode} {
		err := node.cluster.WaitSession(context.Background(), interfaces.ShareAddSessionKind, id)
		assert.ErrorIs(t, err, interfaces.ErrAccessDenied, node.id.Short())
	}

	assert.False(t, newNode.storage.Contains(id))
	holderShare, err := holder.storage.Get(id)
	require.NoError(t, err)
	assert.True(t, holderShare.Nodes().Equal(oldSet))
}

func TestShareAddUnreachableNode(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes[:2])
	tc.network.SetDown(tc.nodes[2].id, true)

	master := tc.nodes[0]
	status, err := master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.ErrorIs(t, err, interfaces.ErrNodeDisconnected)
	assert.True(t, status.Finished)
	assert.NotEmpty(t, status.Error)

	// the failed session does not block a retry
	tc.network.SetDown(tc.nodes[2].id, false)
	_, err = master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.NoError(t, err)
	waitFinished(t, interfaces.ShareAddSessionKind, id, tc.nodes...)
	assert.True(t, tc.nodes[2].storage.Contains(id))
}

func TestSessionExpiry(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes[:2])
	// the new node never answers
	tc.network.Register(tc.nodes[2].id, sinkHandler{})

	master := tc.nodes[0]
	_, err := master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.NoError(t, err)

	_, err = master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.ErrorIs(t, err, ErrSessionExists)

	status, err := master.cluster.SessionStatus(interfaces.ShareAddSessionKind, id)
	require.NoError(t, err)
	assert.False(t, status.Finished)
	assert.Len(t, master.cluster.ActiveSessions(), 1)

	master.cluster.expireSessions(time.Now().Add(DefaultSessionTimeout + time.Second))

	status, err = master.cluster.SessionStatus(interfaces.ShareAddSessionKind, id)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.ErrorIs(t, status.Err(), interfaces.ErrNodeDisconnected)
	assert.Empty(t, master.cluster.ActiveSessions())
}

func TestOnMessageUnknownSession(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	node := tc.nodes[0]
	var id interfaces.SessionID

	err := node.cluster.OnMessage(tc.nodes[1].id, &interfaces.ClusterMessage{ShareAdd: &interfaces.ShareAddMessage{
		Session:               id,
		ConfirmInitialization: &interfaces.ConfirmShareAddInitialization{},
	}})
	require.ErrorIs(t, err, interfaces.ErrInvalidMessage)

	err = node.cluster.OnMessage(tc.nodes[1].id, &interfaces.ClusterMessage{ShareRemove: &interfaces.ShareRemoveMessage{
		Session: id,
		Error:   &interfaces.ShareRemoveError{Error: "consensus unreachable"},
	}})
	require.NoError(t, err)

	err = node.cluster.OnMessage(tc.nodes[1].id, &interfaces.ClusterMessage{})
	require.ErrorIs(t, err, interfaces.ErrInvalidMessage)

	// share remove slaves need a share of the key
	err = node.cluster.OnMessage(tc.nodes[1].id, &interfaces.ClusterMessage{ShareRemove: &interfaces.ShareRemoveMessage{
		Session: id,
		Consensus: &interfaces.ShareRemoveConsensusMessage{
			InitializeConsensusSession: &interfaces.InitializeConsensusSession{},
		},
	}})
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = node.cluster.SessionStatus(interfaces.ShareRemoveSessionKind, id)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, node.cluster.WaitSession(context.Background(), interfaces.ShareAddSessionKind, id), ErrSessionNotFound)
}

func TestNodeLeavesServerSet(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	id, _ := generateKey(t, 1, tc.nodes[:2])
	tc.network.Register(tc.nodes[2].id, sinkHandler{})

	master := tc.nodes[0]
	_, err := master.cluster.StartShareAdd(id, tc.ids(tc.nodes[2]), tc.sign(t, tc.ids(tc.nodes[:2]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.NoError(t, err)

	master.cluster.OnNodeDisconnected(tc.nodes[2].id)

	status, err := master.cluster.SessionStatus(interfaces.ShareAddSessionKind, id)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.ErrorIs(t, status.Err(), interfaces.ErrNodeDisconnected)
}

func TestStoppedCluster(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	id, _ := generateKey(t, 0, tc.nodes[:1])

	node := tc.nodes[0]
	node.cluster.Stop()
	node.cluster.Stop()

	_, err := node.cluster.StartShareAdd(id, tc.ids(tc.nodes[1]), tc.sign(t, tc.ids(tc.nodes[:1]...)), tc.sign(t, tc.ids(tc.nodes...)))
	require.ErrorIs(t, err, ErrStopped)
}

func TestRunStopsWithContext(t *testing.T) {
	tc := newTestCluster(t, 1, func(cfg *Config) { cfg.CleanupInterval = time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tc.nodes[0].cluster.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
