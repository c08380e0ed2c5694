package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/secret-store-cluster/cmd/flags"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/keyserverset"
	"github.com/ruteri/secret-store-cluster/kms"
	"github.com/ruteri/secret-store-cluster/registry"
)

var KeyServersFileFlag = &cli.StringFlag{
	Name:     "key-servers-file",
	Required: true,
	Usage:    "JSON object mapping hex node ids to ip:port addresses; the initial (or static) key server set",
}
var RegistrarAddrFlag = &cli.StringFlag{
	Name:  "registrar-contract",
	Usage: "name registrar resolving the key server set contract; when unset the key server set is static",
}
var KeyServerSetAddrFlag = &cli.StringFlag{
	Name:  "key-server-set-contract",
	Usage: "key server set contract address, bypassing the registrar",
}
var AutoMigrateFlag = &cli.BoolFlag{
	Name:  "auto-migrate",
	Usage: "follow the new and migration sets of the contract",
}
var ServerSetPollFlag = &cli.DurationFlag{
	Name:  "server-set-poll-interval",
	Value: 0,
	Usage: "interval between key server set contract reads (default: cluster cleanup interval)",
}

var ServerSetFlags = []cli.Flag{
	KeyServersFileFlag,
	RegistrarAddrFlag,
	KeyServerSetAddrFlag,
	AutoMigrateFlag,
	ServerSetPollFlag,
	flags.RpcAddrFlag,
}

// SetupKeyServerSet returns the static set from --key-servers-file, or an
// on-chain set seeded with it when a contract is configured. The returned
// run function keeps an on-chain set up to date and is nil for a static one.
func SetupKeyServerSet(cCtx *cli.Context, logger *slog.Logger, nodeKMS *kms.NodeKMS) (interfaces.KeyServerSet, func(ctx context.Context), error) {
	keyServers, err := loadKeyServers(cCtx.String(KeyServersFileFlag.Name))
	if err != nil {
		return nil, nil, err
	}

	registrarAddr := cCtx.String(RegistrarAddrFlag.Name)
	contractAddr := cCtx.String(KeyServerSetAddrFlag.Name)
	if registrarAddr == "" && contractAddr == "" {
		logger.Info("Using static key server set", "count", len(keyServers))
		return keyserverset.NewStaticKeyServerSet(keyServers), nil, nil
	}

	rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.Dial(rpcAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	chainID, err := ethClient.ChainID(cCtx.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(nodeKMS.NodeKey(), chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	var registrar interfaces.Registrar
	if contractAddr != "" {
		if !common.IsHexAddress(contractAddr) {
			return nil, nil, fmt.Errorf("invalid key server set contract address %q", contractAddr)
		}
		registrar = registry.StaticRegistrar{registry.KeyServerSetContractRegistryName: common.HexToAddress(contractAddr)}
	} else {
		if !common.IsHexAddress(registrarAddr) {
			return nil, nil, fmt.Errorf("invalid registrar address %q", registrarAddr)
		}
		registrar = registry.NewRegistrarClient(ethClient, common.HexToAddress(registrarAddr))
	}

	serverSet := keyserverset.NewOnChainKeyServerSet(keyserverset.Config{
		Self:        nodeKMS.NodeID(),
		AutoMigrate: cCtx.Bool(AutoMigrateFlag.Name),
		KeyServers:  keyServers,
		Log:         logger,
	}, registrar, registry.NewKeyServerSetFactory(ethClient, auth), registry.NewChainClient(ethClient))

	interval := cCtx.Duration(ServerSetPollFlag.Name)
	if interval == 0 {
		interval = cCtx.Duration(CleanupIntervalFlag.Name)
	}
	logger.Info("Following on-chain key server set", "interval", interval, "autoMigrate", cCtx.Bool(AutoMigrateFlag.Name))
	return serverSet, func(ctx context.Context) { serverSet.Run(ctx, interval) }, nil
}

func loadKeyServers(path string) (map[interfaces.NodeID]interfaces.NodeAddress, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key servers file: %w", err)
	}
	var raw map[interfaces.NodeID]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse key servers file: %w", err)
	}

	keyServers := make(map[interfaces.NodeID]interfaces.NodeAddress, len(raw))
	for node, address := range raw {
		nodeAddress, err := interfaces.NewNodeAddress(address)
		if err != nil {
			return nil, err
		}
		keyServers[node] = nodeAddress
	}
	return keyServers, nil
}
