package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

type keyServerSetMethods struct {
	list    string
	public  string
	address string
}

var methodsByKind = map[interfaces.KeyServerSetKind]keyServerSetMethods{
	interfaces.CurrentKeyServers:   {"getCurrentKeyServers", "getCurrentKeyServerPublic", "getCurrentKeyServerAddress"},
	interfaces.NewKeyServers:       {"getNewKeyServers", "getNewKeyServerPublic", "getNewKeyServerAddress"},
	interfaces.MigrationKeyServers: {"getMigrationKeyServers", "getMigrationKeyServerPublic", "getMigrationKeyServerAddress"},
}

// KeyServerSetClient implements the interfaces.KeyServerSetContract interface
// for a KeyServerSet contract deployed on chain.
type KeyServerSetClient struct {
	contract *bind.BoundContract
	address  common.Address

	mu   sync.RWMutex
	auth *bind.TransactOpts
}

// NewKeyServerSetClient binds the contract at address. Transactions require
// SetTransactOpts.
func NewKeyServerSetClient(client bind.ContractBackend, address common.Address) *KeyServerSetClient {
	return &KeyServerSetClient{
		contract: bind.NewBoundContract(address, keyServerSetABI, client, client, client),
		address:  address,
	}
}

// SetTransactOpts sets the transaction options required for migration transactions.
func (c *KeyServerSetClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = auth
}

// Address implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) Address() common.Address {
	return c.address
}

// KeyServers implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) KeyServers(ctx context.Context, kind interfaces.KeyServerSetKind) ([]common.Address, error) {
	methods, err := methodsFor(kind)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, methods.list)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

// KeyServerPublic implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) KeyServerPublic(ctx context.Context, kind interfaces.KeyServerSetKind, server common.Address) ([]byte, error) {
	methods, err := methodsFor(kind)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, methods.public, server)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]byte)).(*[]byte), nil
}

// KeyServerAddress implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) KeyServerAddress(ctx context.Context, kind interfaces.KeyServerSetKind, server common.Address) (string, error) {
	methods, err := methodsFor(kind)
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, methods.address, server)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// MigrationID implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) MigrationID(ctx context.Context) (interfaces.MigrationID, error) {
	out, err := c.call(ctx, "getMigrationId")
	if err != nil {
		return interfaces.MigrationID{}, err
	}
	return interfaces.MigrationID(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

// MigrationMaster implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) MigrationMaster(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "getMigrationMaster")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// IsMigrationConfirmed implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) IsMigrationConfirmed(ctx context.Context, server common.Address) (bool, error) {
	out, err := c.call(ctx, "isMigrationConfirmed", server)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// StartMigration implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) StartMigration(ctx context.Context, id interfaces.MigrationID) (common.Hash, error) {
	return c.transact(ctx, "startMigration", [32]byte(id))
}

// ConfirmMigration implements interfaces.KeyServerSetContract.
func (c *KeyServerSetClient) ConfirmMigration(ctx context.Context, id interfaces.MigrationID) (common.Hash, error) {
	return c.transact(ctx, "confirmMigration", [32]byte(id))
}

func (c *KeyServerSetClient) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to call %s: empty result", method)
	}
	return out, nil
}

func (c *KeyServerSetClient) transact(ctx context.Context, method string, params ...interface{}) (common.Hash, error) {
	c.mu.RLock()
	auth := c.auth
	c.mu.RUnlock()
	if auth == nil {
		return common.Hash{}, ErrNoTransactOpts
	}

	opts := *auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send %s transaction: %w", method, err)
	}
	return tx.Hash(), nil
}

func methodsFor(kind interfaces.KeyServerSetKind) (keyServerSetMethods, error) {
	methods, ok := methodsByKind[kind]
	if !ok {
		return keyServerSetMethods{}, fmt.Errorf("unknown key server set kind %d", kind)
	}
	return methods, nil
}

// KeyServerSetFactory creates KeyServerSetContract instances for different contract addresses.
type KeyServerSetFactory struct {
	client bind.ContractBackend
	auth   *bind.TransactOpts
}

// NewKeyServerSetFactory creates a new factory. auth may be nil for a
// read-only node.
func NewKeyServerSetFactory(client bind.ContractBackend, auth *bind.TransactOpts) *KeyServerSetFactory {
	return &KeyServerSetFactory{client: client, auth: auth}
}

// KeyServerSetFor returns a client bound to address.
func (f *KeyServerSetFactory) KeyServerSetFor(address common.Address) (interfaces.KeyServerSetContract, error) {
	client := NewKeyServerSetClient(f.client, address)
	if f.auth != nil {
		client.SetTransactOpts(f.auth)
	}
	return client, nil
}
