package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// registrarAddressKey is the registrar record holding contract addresses.
const registrarAddressKey = "A"

// RegistrarClient resolves contract names through an on-chain name registrar.
type RegistrarClient struct {
	contract *bind.BoundContract
}

// NewRegistrarClient binds the registrar at address.
func NewRegistrarClient(client bind.ContractCaller, address common.Address) *RegistrarClient {
	return &RegistrarClient{
		contract: bind.NewBoundContract(address, registrarABI, client, nil, nil),
	}
}

// ContractAddress implements interfaces.Registrar.
func (r *RegistrarClient) ContractAddress(ctx context.Context, name string) (common.Address, bool, error) {
	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", [32]byte(crypto.Keccak256Hash([]byte(name))), registrarAddressKey)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if len(out) == 0 {
		return common.Address{}, false, fmt.Errorf("failed to resolve %s: empty result", name)
	}

	address := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return address, address != (common.Address{}), nil
}

// StaticRegistrar resolves names from a fixed table, for deployments where
// the contract address is configured directly.
type StaticRegistrar map[string]common.Address

// ContractAddress implements interfaces.Registrar.
func (r StaticRegistrar) ContractAddress(_ context.Context, name string) (common.Address, bool, error) {
	address, ok := r[name]
	return address, ok, nil
}
