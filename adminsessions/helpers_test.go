package adminsessions

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memoryKeyStorage struct {
	mu     sync.Mutex
	shares map[interfaces.SessionID]*interfaces.DocumentKeyShare
}

func newMemoryKeyStorage() *memoryKeyStorage {
	return &memoryKeyStorage{shares: make(map[interfaces.SessionID]*interfaces.DocumentKeyShare)}
}

func (m *memoryKeyStorage) Get(id interfaces.SessionID) (*interfaces.DocumentKeyShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	share, ok := m.shares[id]
	if !ok {
		return nil, interfaces.KeyStorageError(interfaces.ErrKeyNotFound)
	}
	return share.Clone(), nil
}

func (m *memoryKeyStorage) Insert(id interfaces.SessionID, share *interfaces.DocumentKeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[id] = share.Clone()
	return nil
}

func (m *memoryKeyStorage) Update(id interfaces.SessionID, share *interfaces.DocumentKeyShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[id]; !ok {
		return interfaces.KeyStorageError(interfaces.ErrKeyNotFound)
	}
	m.shares[id] = share.Clone()
	return nil
}

func (m *memoryKeyStorage) Remove(id interfaces.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[id]; !ok {
		return interfaces.KeyStorageError(interfaces.ErrKeyNotFound)
	}
	delete(m.shares, id)
	return nil
}

func (m *memoryKeyStorage) Contains(id interfaces.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shares[id]
	return ok
}

func randomNodeID(t *testing.T) interfaces.NodeID {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return interfaces.NodeID(cryptoutils.PublicFromECDSA(&key.PublicKey))
}

func randomNodeIDs(t *testing.T, n int) []interfaces.NodeID {
	t.Helper()
	ids := make([]interfaces.NodeID, n)
	for i := range ids {
		ids[i] = randomNodeID(t)
	}
	interfaces.SortNodeIDs(ids)
	return ids
}

// testKey is a server key shared by a simulated key generation.
type testKey struct {
	id          interfaces.SessionID
	threshold   int
	nodes       []interfaces.NodeID
	storages    map[interfaces.NodeID]*memoryKeyStorage
	jointSecret cryptoutils.Secret
	jointPublic cryptoutils.Public
}

// generateKey runs a dealerless key generation among nodes in memory: every
// node contributes a random polynomial and receives the sum of all
// contributions evaluated at its id number.
func generateKey(t *testing.T, threshold int, nodes []interfaces.NodeID) *testKey {
	t.Helper()

	id := interfaces.SessionID(cryptoutils.Keccak256([]byte(t.Name())))

	author, err := cryptoutils.GenerateRandomPoint()
	require.NoError(t, err)

	idNumbers := make(map[interfaces.NodeID]cryptoutils.Secret, len(nodes))
	polynoms := make(map[interfaces.NodeID][]cryptoutils.Secret, len(nodes))
	absoluteTerms := make([]cryptoutils.Secret, 0, len(nodes))
	for _, node := range nodes {
		idNumber, err := cryptoutils.GenerateRandomScalar()
		require.NoError(t, err)
		idNumbers[node] = idNumber

		polynom, err := cryptoutils.GenerateRandomPolynom(threshold)
		require.NoError(t, err)
		polynoms[node] = polynom
		absoluteTerms = append(absoluteTerms, polynom[0])
	}

	key := &testKey{
		id:          id,
		threshold:   threshold,
		nodes:       nodes,
		storages:    make(map[interfaces.NodeID]*memoryKeyStorage, len(nodes)),
		jointSecret: cryptoutils.ComputeJointSecret(absoluteTerms),
	}
	key.jointPublic = cryptoutils.ComputePublicShare(key.jointSecret)

	for _, node := range nodes {
		values := make([]cryptoutils.Secret, 0, len(nodes))
		for _, sender := range nodes {
			values = append(values, cryptoutils.ComputePolynom(polynoms[sender], idNumbers[node]))
		}

		share := &interfaces.DocumentKeyShare{
			Threshold:   threshold,
			Author:      author,
			IDNumbers:   make(map[interfaces.NodeID]cryptoutils.Secret, len(idNumbers)),
			Polynom1:    polynoms[node],
			SecretShare: cryptoutils.ComputeSecretShare(values),
		}
		for n, idNumber := range idNumbers {
			share.IDNumbers[n] = idNumber
		}

		storage := newMemoryKeyStorage()
		require.NoError(t, storage.Insert(id, share))
		key.storages[node] = storage
	}

	return key
}

// checkSecretIsPreserved decrypts a fresh ciphertext with every threshold+1
// subset of nodes, using only their stored shares.
func checkSecretIsPreserved(t *testing.T, key *testKey, nodes []interfaces.NodeID) {
	t.Helper()

	message, err := cryptoutils.GenerateRandomPoint()
	require.NoError(t, err)
	encrypted, err := cryptoutils.EncryptSecret(message, key.jointPublic)
	require.NoError(t, err)

	shares := make(map[interfaces.NodeID]*interfaces.DocumentKeyShare, len(nodes))
	for _, node := range nodes {
		share, err := key.storages[node].Get(key.id)
		require.NoError(t, err)
		require.Len(t, share.IDNumbers, len(nodes))
		require.Len(t, share.Polynom1, key.threshold+1)
		shares[node] = share
	}

	for _, group := range combinations(nodes, key.threshold+1) {
		points := make([]cryptoutils.Public, 0, len(group))
		for _, member := range group {
			share := shares[member]
			others := make([]cryptoutils.Secret, 0, len(group)-1)
			for _, other := range group {
				if other != member {
					others = append(others, share.IDNumbers[other])
				}
			}
			shadow, err := cryptoutils.ComputeNodeShadow(share.SecretShare, share.IDNumbers[member], others)
			require.NoError(t, err)
			point, err := cryptoutils.ComputeNodeShadowPoint(encrypted.CommonPoint, shadow)
			require.NoError(t, err)
			points = append(points, point)
		}

		joint, err := cryptoutils.ComputeJointShadowPoint(points)
		require.NoError(t, err)
		decrypted, err := cryptoutils.DecryptWithJointShadow(encrypted.EncryptedPoint, joint)
		require.NoError(t, err)
		require.Equal(t, message, decrypted, "group of %d nodes failed to decrypt", len(group))
	}
}

func combinations(nodes []interfaces.NodeID, k int) [][]interfaces.NodeID {
	if k == 0 {
		return [][]interfaces.NodeID{nil}
	}
	var result [][]interfaces.NodeID
	for i := 0; i+k <= len(nodes); i++ {
		for _, rest := range combinations(nodes[i+1:], k-1) {
			result = append(result, append([]interfaces.NodeID{nodes[i]}, rest...))
		}
	}
	return result
}

type queuedMessage struct {
	from    interfaces.NodeID
	to      interfaces.NodeID
	message *interfaces.ClusterMessage
}

// messageLoop delivers messages between in-memory sessions in FIFO order.
// Messages rejected as too early are put back at the end of the queue.
type messageLoop struct {
	sessions map[interfaces.NodeID]Session
	queue    []queuedMessage
	// tamper, when set, may modify messages before delivery
	tamper func(*queuedMessage)
}

func newMessageLoop() *messageLoop {
	return &messageLoop{sessions: make(map[interfaces.NodeID]Session)}
}

func (l *messageLoop) transport(from interfaces.NodeID) interfaces.Transport {
	return interfaces.TransportFunc(func(to interfaces.NodeID, message *interfaces.ClusterMessage) error {
		l.queue = append(l.queue, queuedMessage{from: from, to: to, message: message})
		return nil
	})
}

func (l *messageLoop) run() error {
	for steps := 0; len(l.queue) > 0; steps++ {
		if steps > 10000 {
			return errors.New("message loop does not terminate")
		}

		msg := l.queue[0]
		l.queue = l.queue[1:]
		if l.tamper != nil {
			l.tamper(&msg)
		}

		session, ok := l.sessions[msg.to]
		if !ok {
			return fmt.Errorf("no session on %s", msg.to.Short())
		}
		err := session.ProcessMessage(msg.from, msg.message)
		switch {
		case errors.Is(err, interfaces.ErrTooEarlyForRequest):
			l.queue = append(l.queue, msg)
		case err != nil:
			return fmt.Errorf("%s from %s to %s: %w", msg.message, msg.from.Short(), msg.to.Short(), err)
		}
	}
	return nil
}

func (l *messageLoop) allFinished() bool {
	for _, session := range l.sessions {
		if !session.IsFinished() {
			return false
		}
	}
	return true
}

func signNodeSet(t *testing.T, key *ecdsa.PrivateKey, nodes interfaces.NodeSet) cryptoutils.Signature {
	t.Helper()
	sig, err := cryptoutils.Sign(key, jobs.OrderedNodesHash(nodes))
	require.NoError(t, err)
	return sig
}
