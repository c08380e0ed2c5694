package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ChainBackend is the subset of an ethereum client used by ChainClient.
// Both ethclient.Client and the simulated backend client satisfy it.
type ChainBackend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ChainClient implements interfaces.ChainReader over an ethereum client.
type ChainClient struct {
	backend ChainBackend
}

// NewChainClient creates a chain reader.
func NewChainClient(backend ChainBackend) *ChainClient {
	return &ChainClient{backend: backend}
}

// LatestBlock implements interfaces.ChainReader.
func (c *ChainClient) LatestBlock(ctx context.Context) (interfaces.BlockRef, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return interfaces.BlockRef{}, fmt.Errorf("failed to read latest block: %w", err)
	}
	return interfaces.BlockRef{Number: header.Number.Uint64(), Hash: header.Hash()}, nil
}

// BlockConfirmations implements interfaces.ChainReader. A block that is not
// part of the canonical chain any more has no confirmations.
func (c *ChainClient) BlockConfirmations(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	header, err := c.backend.HeaderByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read block %s: %w", hash, err)
	}

	canonical, err := c.backend.HeaderByNumber(ctx, header.Number)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read block %d: %w", header.Number, err)
	}
	if canonical.Hash() != hash {
		return 0, false, nil
	}

	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, false, err
	}
	if latest.Number < header.Number.Uint64() {
		return 0, false, nil
	}
	return latest.Number - header.Number.Uint64(), true, nil
}

// HasLogs implements interfaces.ChainReader.
func (c *ChainClient) HasLogs(ctx context.Context, contract common.Address, topics []common.Hash, from, to uint64) (bool, error) {
	if from > to {
		return false, nil
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return false, fmt.Errorf("failed to filter logs: %w", err)
	}
	return len(logs) > 0, nil
}
