package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/secret-store-cluster/cmd/flags"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/httpserver"
	"github.com/ruteri/secret-store-cluster/kms"
)

var SeedFileFlag = &cli.StringFlag{
	Name:  "seed-file",
	Usage: "file holding the hex encoded node seed; when unset the seed is recovered from admin shares",
}
var GenerateSeedFlag = &cli.BoolFlag{
	Name:  "generate-seed",
	Usage: "write a fresh seed to --seed-file if it does not exist",
}
var SeedAdminsFileFlag = &cli.StringFlag{
	Name:  "seed-admins-file",
	Usage: "JSON list of hex admin public keys allowed to submit seed shares",
}
var SeedThresholdFlag = &cli.IntFlag{
	Name:  "seed-threshold",
	Value: 2,
	Usage: "number of admin shares needed to recover the seed",
}
var BootstrapListenAddrFlag = &cli.StringFlag{
	Name:  "bootstrap-listen-addr",
	Value: "127.0.0.1:8079",
	Usage: "address to listen on for seed shares",
}
var BootstrapTimeoutFlag = &cli.IntFlag{
	Name:  "bootstrap-timeout",
	Value: 86400,
	Usage: "timeout in seconds for seed recovery",
}

var SeedFlags = []cli.Flag{
	SeedFileFlag,
	GenerateSeedFlag,
	SeedAdminsFileFlag,
	SeedThresholdFlag,
	BootstrapListenAddrFlag,
	BootstrapTimeoutFlag,
}

// SetupNodeKMS loads the node seed. Without a seed file it serves the
// bootstrap API and blocks until enough admins submitted their shares.
func SetupNodeKMS(cCtx *cli.Context, logger *slog.Logger) (*kms.NodeKMS, error) {
	seedFile := cCtx.String(SeedFileFlag.Name)
	if seedFile != "" {
		return loadSeed(seedFile, cCtx.Bool(GenerateSeedFlag.Name), logger)
	}

	adminsFile := cCtx.String(SeedAdminsFileFlag.Name)
	if adminsFile == "" {
		return nil, errors.New("either seed-file or seed-admins-file is required")
	}
	admins, err := loadAdminKeys(adminsFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded successfully", "count", len(admins))

	recovery, err := kms.NewSeedRecovery(kms.ShamirConfig{
		Threshold: cCtx.Int(SeedThresholdFlag.Name),
		Admins:    admins,
	})
	if err != nil {
		return nil, err
	}

	bootstrapHandler := httpserver.NewBootstrapHandler(recovery, logger)
	bootstrapServer, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(BootstrapListenAddrFlag.Name), ""), nil, bootstrapHandler)
	if err != nil {
		return nil, fmt.Errorf("could not create bootstrap server: %w", err)
	}

	logger.Info("Starting server in bootstrap mode")
	bootstrapServer.RunInBackground()
	defer bootstrapServer.Shutdown()

	bootstrapTimeout := cCtx.Int(BootstrapTimeoutFlag.Name)
	logger.Info("Waiting for seed recovery...", "timeout", bootstrapTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(bootstrapTimeout)*time.Second)
	defer cancel()
	return bootstrapHandler.WaitForBootstrap(ctx)
}

func loadSeed(path string, generate bool, logger *slog.Logger) (*kms.NodeKMS, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && generate {
		seed, err := kms.GenerateSeed()
		if err != nil {
			return nil, err
		}
		if err := kms.SaveSeedFile(path, seed); err != nil {
			return nil, err
		}
		logger.Info("Generated node seed", "file", path)
	}

	seed, err := kms.LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	return kms.NewNodeKMS(seed)
}

func loadAdminKeys(path string) ([]cryptoutils.Public, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin keys file: %w", err)
	}
	var admins []cryptoutils.Public
	if err := json.Unmarshal(data, &admins); err != nil {
		return nil, fmt.Errorf("failed to parse admin keys file: %w", err)
	}
	return admins, nil
}
