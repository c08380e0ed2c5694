package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/secret-store-cluster/cluster"
	"github.com/ruteri/secret-store-cluster/cmd/flags"
	"github.com/ruteri/secret-store-cluster/common"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/httpserver"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/metrics"
	"github.com/ruteri/secret-store-cluster/storage"
)

var KeyServerLogFlag = flags.LogServiceFlagFn("secretstore")

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for cluster and admin API",
}
var PublicAddrFlag = &cli.StringFlag{
	Name:  "public-addr",
	Usage: "ip:port other key servers reach this node at, reported by the node identity endpoint",
}
var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("file:///var/lib/secretstore/keys"),
	Usage: "key share storage location URIs (file, badger, memory, redis, s3, ipfs, vault); shares are replicated to all of them",
}
var StorageCacheFlag = &cli.IntFlag{
	Name:  "storage-cache-size",
	Value: storage.DefaultCacheSize,
	Usage: "number of decoded key shares kept in memory",
}
var AdminPublicFlag = &cli.StringFlag{
	Name:  "admin-public",
	Usage: "hex public key of the administrator authorizing servers set changes",
}
var SessionTimeoutFlag = &cli.DurationFlag{
	Name:  "session-timeout",
	Value: cluster.DefaultSessionTimeout,
	Usage: "time after which an unfinished session fails",
}
var CleanupIntervalFlag = &cli.DurationFlag{
	Name:  "cleanup-interval",
	Value: cluster.DefaultCleanupInterval,
	Usage: "interval between session expiry and key server set checks",
}
var WorkersFlag = &cli.IntFlag{
	Name:  "workers",
	Value: cluster.DefaultWorkers,
	Usage: "number of workers processing cluster messages",
}
var TransportRetriesFlag = &cli.Uint64Flag{
	Name:  "transport-retries",
	Value: 3,
	Usage: "number of retries of a failed message delivery",
}

func main() {
	app := &cli.App{
		Name:  "keyserver",
		Usage: "Serve a secret store key server",
		Flags: append(append(append([]cli.Flag{
			ListenAddrFlag,
			PublicAddrFlag,
			StorageFlag,
			StorageCacheFlag,
			AdminPublicFlag,
			SessionTimeoutFlag,
			CleanupIntervalFlag,
			WorkersFlag,
			TransportRetriesFlag,
			KeyServerLogFlag,
		}, SeedFlags...), ServerSetFlags...), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(ListenAddrFlag.Name)
			metricsAddr := cCtx.String(flags.MetricsAddrFlag.Name)

			logger := flags.SetupLogger(cCtx)

			var adminPublic *cryptoutils.Public
			if hexPublic := cCtx.String(AdminPublicFlag.Name); hexPublic != "" {
				public, err := cryptoutils.NewPublicFromHex(hexPublic)
				if err != nil {
					logger.Error("Invalid administrator key", "err", err)
					return err
				}
				adminPublic = &public
			} else {
				logger.Warn("No administrator key configured, servers set changes are disabled")
			}

			nodeKMS, err := SetupNodeKMS(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up node seed", "err", err)
				return err
			}
			self := nodeKMS.NodeID()
			logger = logger.With("node", self.Short())
			logger.Info("Node seed loaded", "nodeID", self.String())

			keyStorage, err := setupKeyStorage(cCtx, logger, nodeKMS.SealingSecret())
			if err != nil {
				logger.Error("Failed to set up key storage", "err", err)
				return err
			}

			serverSet, runServerSet, err := SetupKeyServerSet(cCtx, logger, nodeKMS)
			if err != nil {
				logger.Error("Failed to set up key server set", "err", err)
				return err
			}

			var metricsServer *metrics.MetricsServer
			var clusterMetrics *metrics.ClusterMetrics
			if metricsAddr != "" {
				metricsServer, err = metrics.New(common.PackageName, metricsAddr)
				if err != nil {
					logger.Error("Failed to create metrics server", "err", err)
					return err
				}
				clusterMetrics = metrics.NewClusterMetrics(metricsServer.Namespace(), metricsServer.Registerer())
			}

			transport := cluster.NewHTTPTransport(cluster.HTTPTransportConfig{
				MaxRetries: cCtx.Uint64(TransportRetriesFlag.Name),
			}, nodeKMS, serverSet, logger)

			keyServer, err := cluster.New(cluster.Config{
				Self:            self,
				AdminPublic:     adminPublic,
				SessionTimeout:  cCtx.Duration(SessionTimeoutFlag.Name),
				CleanupInterval: cCtx.Duration(CleanupIntervalFlag.Name),
				Workers:         cCtx.Int(WorkersFlag.Name),
			}, keyStorage, serverSet, transport, clusterMetrics, logger)
			if err != nil {
				logger.Error("Failed to create cluster", "err", err)
				return err
			}

			server, err := httpserver.New(
				flags.ConfigureServer(cCtx, logger, listenAddr, metricsAddr),
				metricsServer,
				httpserver.NewClusterHandler(keyServer, logger),
				httpserver.NewAdminHandler(keyServer, cCtx.String(PublicAddrFlag.Name), logger),
			)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if runServerSet != nil {
				go runServerSet(ctx)
			}
			go keyServer.Run(ctx)
			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Key server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			cancel()
			keyServer.Stop()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupKeyStorage(cCtx *cli.Context, logger *slog.Logger, sealingSecret []byte) (*storage.KeyStorage, error) {
	uris := cCtx.StringSlice(StorageFlag.Name)
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	sealer, err := storage.NewSealer(sealingSecret)
	if err != nil {
		return nil, err
	}
	return storage.NewKeyStorage(backend, sealer, cCtx.Int(StorageCacheFlag.Name), logger)
}
