package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockKeyServerSetContract mocks the KeyServerSetContract interface
type MockKeyServerSetContract struct {
	mock.Mock
}

// Address mocks the Address method
func (m *MockKeyServerSetContract) Address() common.Address {
	args := m.Called()
	return args.Get(0).(common.Address)
}

// KeyServers mocks the KeyServers method
func (m *MockKeyServerSetContract) KeyServers(ctx context.Context, kind interfaces.KeyServerSetKind) ([]common.Address, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).([]common.Address), args.Error(1)
}

// KeyServerPublic mocks the KeyServerPublic method
func (m *MockKeyServerSetContract) KeyServerPublic(ctx context.Context, kind interfaces.KeyServerSetKind, server common.Address) ([]byte, error) {
	args := m.Called(ctx, kind, server)
	return args.Get(0).([]byte), args.Error(1)
}

// KeyServerAddress mocks the KeyServerAddress method
func (m *MockKeyServerSetContract) KeyServerAddress(ctx context.Context, kind interfaces.KeyServerSetKind, server common.Address) (string, error) {
	args := m.Called(ctx, kind, server)
	return args.String(0), args.Error(1)
}

// MigrationID mocks the MigrationID method
func (m *MockKeyServerSetContract) MigrationID(ctx context.Context) (interfaces.MigrationID, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.MigrationID), args.Error(1)
}

// MigrationMaster mocks the MigrationMaster method
func (m *MockKeyServerSetContract) MigrationMaster(ctx context.Context) (common.Address, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.Address), args.Error(1)
}

// IsMigrationConfirmed mocks the IsMigrationConfirmed method
func (m *MockKeyServerSetContract) IsMigrationConfirmed(ctx context.Context, server common.Address) (bool, error) {
	args := m.Called(ctx, server)
	return args.Bool(0), args.Error(1)
}

// StartMigration mocks the StartMigration method
func (m *MockKeyServerSetContract) StartMigration(ctx context.Context, id interfaces.MigrationID) (common.Hash, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(common.Hash), args.Error(1)
}

// ConfirmMigration mocks the ConfirmMigration method
func (m *MockKeyServerSetContract) ConfirmMigration(ctx context.Context, id interfaces.MigrationID) (common.Hash, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(common.Hash), args.Error(1)
}

// MockKeyServerSetContractFactory mocks the KeyServerSetContractFactory interface
type MockKeyServerSetContractFactory struct {
	mock.Mock
}

// KeyServerSetFor mocks the KeyServerSetFor method
func (m *MockKeyServerSetContractFactory) KeyServerSetFor(address common.Address) (interfaces.KeyServerSetContract, error) {
	args := m.Called(address)
	return args.Get(0).(interfaces.KeyServerSetContract), args.Error(1)
}
