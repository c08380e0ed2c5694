package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

type mockKeyServer struct {
	account common.Address
	public  []byte
	address string
}

// MockKeyServerSetClient provides a simple in-memory implementation of the
// KeyServerSetContract interface for testing purposes without requiring a
// blockchain connection. The client starts in a read-only state; call
// SetTransactOpts to enable migration transactions.
type MockKeyServerSetClient struct {
	mutex            sync.RWMutex
	address          common.Address
	servers          map[interfaces.KeyServerSetKind][]mockKeyServer
	migrationID      interfaces.MigrationID
	migrationMaster  common.Address
	confirmed        map[common.Address]bool
	allowTransacting bool

	// StartedMigrations and ConfirmedMigrations record submitted transactions.
	StartedMigrations   []interfaces.MigrationID
	ConfirmedMigrations []interfaces.MigrationID
}

// NewMockKeyServerSetClient creates a mock contract with empty lists.
func NewMockKeyServerSetClient(address common.Address) *MockKeyServerSetClient {
	return &MockKeyServerSetClient{
		address:   address,
		servers:   make(map[interfaces.KeyServerSetKind][]mockKeyServer),
		confirmed: make(map[common.Address]bool),
	}
}

// SetTransactOpts enables transaction operations on the mock client.
func (m *MockKeyServerSetClient) SetTransactOpts() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.allowTransacting = true
}

// SetKeyServers replaces the list of the given kind.
func (m *MockKeyServerSetClient) SetKeyServers(kind interfaces.KeyServerSetKind, set map[interfaces.NodeID]interfaces.NodeAddress) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	servers := make([]mockKeyServer, 0, len(set))
	for _, node := range interfaces.NodesOf(set).Sorted() {
		servers = append(servers, mockKeyServer{
			account: node.Public().Address(),
			public:  append([]byte(nil), node[:]...),
			address: set[node].String(),
		})
	}
	m.servers[kind] = servers
}

// AddRawKeyServer appends an entry without validation, to simulate
// malformed contract state.
func (m *MockKeyServerSetClient) AddRawKeyServer(kind interfaces.KeyServerSetKind, public []byte, address string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	account := common.BytesToAddress(crypto.Keccak256(public, []byte(address)))
	m.servers[kind] = append(m.servers[kind], mockKeyServer{account: account, public: public, address: address})
}

// SetMigration sets the migration id and master.
func (m *MockKeyServerSetClient) SetMigration(id interfaces.MigrationID, master common.Address) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.migrationID = id
	m.migrationMaster = master
}

// Address implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) Address() common.Address {
	return m.address
}

// KeyServers implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) KeyServers(_ context.Context, kind interfaces.KeyServerSetKind) ([]common.Address, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	accounts := make([]common.Address, 0, len(m.servers[kind]))
	for _, server := range m.servers[kind] {
		accounts = append(accounts, server.account)
	}
	return accounts, nil
}

// KeyServerPublic implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) KeyServerPublic(_ context.Context, kind interfaces.KeyServerSetKind, account common.Address) ([]byte, error) {
	server, err := m.find(kind, account)
	if err != nil {
		return nil, err
	}
	return server.public, nil
}

// KeyServerAddress implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) KeyServerAddress(_ context.Context, kind interfaces.KeyServerSetKind, account common.Address) (string, error) {
	server, err := m.find(kind, account)
	if err != nil {
		return "", err
	}
	return server.address, nil
}

// MigrationID implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) MigrationID(context.Context) (interfaces.MigrationID, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.migrationID, nil
}

// MigrationMaster implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) MigrationMaster(context.Context) (common.Address, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.migrationMaster, nil
}

// IsMigrationConfirmed implements interfaces.KeyServerSetContract.
func (m *MockKeyServerSetClient) IsMigrationConfirmed(_ context.Context, account common.Address) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.confirmed[account], nil
}

// StartMigration records the transaction.
func (m *MockKeyServerSetClient) StartMigration(_ context.Context, id interfaces.MigrationID) (common.Hash, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.allowTransacting {
		return common.Hash{}, ErrNoTransactOpts
	}
	m.StartedMigrations = append(m.StartedMigrations, id)
	return crypto.Keccak256Hash([]byte("start"), id[:]), nil
}

// ConfirmMigration records the transaction.
func (m *MockKeyServerSetClient) ConfirmMigration(_ context.Context, id interfaces.MigrationID) (common.Hash, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.allowTransacting {
		return common.Hash{}, ErrNoTransactOpts
	}
	m.ConfirmedMigrations = append(m.ConfirmedMigrations, id)
	return crypto.Keccak256Hash([]byte("confirm"), id[:]), nil
}

// SetMigrationConfirmed marks the migration confirmed by account.
func (m *MockKeyServerSetClient) SetMigrationConfirmed(account common.Address, confirmed bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.confirmed[account] = confirmed
}

func (m *MockKeyServerSetClient) find(kind interfaces.KeyServerSetKind, account common.Address) (mockKeyServer, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, server := range m.servers[kind] {
		if server.account == account {
			return server, nil
		}
	}
	return mockKeyServer{}, errors.New("key server not found")
}

// MockChain is an in-memory chain implementing interfaces.ChainReader.
// Blocks are identified by number and a fork counter, so that reorganized
// blocks get new hashes.
type MockChain struct {
	mutex  sync.RWMutex
	blocks []common.Hash
	logs   map[common.Hash]bool
	forks  uint64
}

// NewMockChain creates a chain holding the genesis block only.
func NewMockChain() *MockChain {
	c := &MockChain{logs: make(map[common.Hash]bool)}
	c.blocks = append(c.blocks, c.blockHash(0))
	return c
}

func (c *MockChain) blockHash(number uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	binary.BigEndian.PutUint64(buf[8:], c.forks)
	return crypto.Keccak256Hash(buf[:])
}

// Mine appends n empty blocks.
func (c *MockChain) Mine(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i := 0; i < n; i++ {
		c.blocks = append(c.blocks, c.blockHash(uint64(len(c.blocks))))
	}
}

// MineWithEvent appends a block in which the key server set contract
// emitted an event.
func (c *MockChain) MineWithEvent() common.Hash {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	hash := c.blockHash(uint64(len(c.blocks)))
	c.blocks = append(c.blocks, hash)
	c.logs[hash] = true
	return hash
}

// Reorg replaces the last depth blocks with as many new ones.
func (c *MockChain) Reorg(depth int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.forks++
	for i := len(c.blocks) - depth; i < len(c.blocks); i++ {
		if i > 0 {
			c.blocks[i] = c.blockHash(uint64(i))
		}
	}
}

// LatestBlock implements interfaces.ChainReader.
func (c *MockChain) LatestBlock(context.Context) (interfaces.BlockRef, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	number := uint64(len(c.blocks) - 1)
	return interfaces.BlockRef{Number: number, Hash: c.blocks[number]}, nil
}

// BlockConfirmations implements interfaces.ChainReader.
func (c *MockChain) BlockConfirmations(_ context.Context, hash common.Hash) (uint64, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for number, block := range c.blocks {
		if block == hash {
			return uint64(len(c.blocks) - 1 - number), true, nil
		}
	}
	return 0, false, nil
}

// HasLogs implements interfaces.ChainReader. The contract and topics are
// not checked.
func (c *MockChain) HasLogs(_ context.Context, _ common.Address, _ []common.Hash, from, to uint64) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for number := from; number <= to && number < uint64(len(c.blocks)); number++ {
		if c.logs[c.blocks[number]] {
			return true, nil
		}
	}
	return false, nil
}
