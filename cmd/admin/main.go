package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/secret-store-cluster/api"
	"github.com/ruteri/secret-store-cluster/api/clients"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/kms"
)

var flagKeyServer *cli.StringFlag = &cli.StringFlag{
	Name:  "key-server",
	Value: "http://127.0.0.1:8080",
	Usage: "key server admin API base URL",
}
var flagBootstrapServer *cli.StringFlag = &cli.StringFlag{
	Name:  "bootstrap-server",
	Value: "http://127.0.0.1:8079",
	Usage: "key server bootstrap API base URL",
}
var flagAdminSeed *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-seed-file",
	Value: "admin.seed",
	Usage: "file holding the administrator's hex encoded seed",
}
var flagKeyID *cli.StringFlag = &cli.StringFlag{
	Name:     "key-id",
	Required: true,
	Usage:    "hex id of the server key",
}
var flagHolders *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:     "holders",
	Required: true,
	Usage:    "hex node ids currently holding shares of the key",
}
var flagNodes *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:     "nodes",
	Required: true,
	Usage:    "hex node ids to add or remove",
}
var flagWait *cli.BoolFlag = &cli.BoolFlag{
	Name:  "wait",
	Usage: "wait for the session to finish",
}
var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 5 * time.Minute,
	Usage: "maximum time to wait",
}
var flagSeedAdmins *cli.StringFlag = &cli.StringFlag{
	Name:  "seed-admins-file",
	Value: "seed-admins.json",
	Usage: "JSON list of hex admin public keys",
}
var flagSeedShares *cli.StringFlag = &cli.StringFlag{
	Name:  "seed-shares-file",
	Value: "seed-shares.json",
	Usage: "JSON object mapping admin public keys to hex seed shares",
}
var flagSeedThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "seed-threshold",
	Value: 2,
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "Administer secret store key servers",
		DefaultCommand: "node",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "generate an administrator seed and print its public key",
				Flags: []cli.Flag{flagAdminSeed},
				Action: func(cCtx *cli.Context) error {
					seed, err := kms.GenerateSeed()
					if err != nil {
						return err
					}
					admin, err := kms.NewNodeKMS(seed)
					if err != nil {
						return err
					}
					if err := kms.SaveSeedFile(cCtx.String(flagAdminSeed.Name), seed); err != nil {
						return err
					}
					fmt.Println(admin.NodeID().String())
					return nil
				},
			},
			{
				Name:  "node",
				Usage: "print the key server identity",
				Flags: []cli.Flag{flagKeyServer},
				Action: func(cCtx *cli.Context) error {
					identity, err := newClient(cCtx, nil).NodeIdentity(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(identity)
				},
			},
			{
				Name:  "server-set",
				Usage: "print the key server set as seen by the key server",
				Flags: []cli.Flag{flagKeyServer},
				Action: func(cCtx *cli.Context) error {
					serverSet, err := newClient(cCtx, nil).ServerSet(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(serverSet)
				},
			},
			{
				Name:  "sign-node-set",
				Usage: "sign the ordered hash of a key server set, for submission through another administrator tool",
				Flags: []cli.Flag{flagAdminSeed, flagNodes},
				Action: func(cCtx *cli.Context) error {
					admin, err := loadAdmin(cCtx)
					if err != nil {
						return err
					}
					nodes, err := parseNodes(cCtx.StringSlice(flagNodes.Name))
					if err != nil {
						return err
					}
					signature, err := clients.NewAdminClient("", admin.NodeKey()).SignNodeSet(nodes)
					if err != nil {
						return err
					}
					fmt.Println(signature.String())
					return nil
				},
			},
			{
				Name:  "share-add",
				Usage: "give shares of a server key to more key servers",
				Flags: []cli.Flag{flagKeyServer, flagAdminSeed, flagKeyID, flagHolders, flagNodes, flagWait, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					return startSession(cCtx, interfaces.ShareAddSessionKind)
				},
			},
			{
				Name:  "share-remove",
				Usage: "take shares of a server key away from key servers",
				Flags: []cli.Flag{flagKeyServer, flagAdminSeed, flagKeyID, flagHolders, flagNodes, flagWait, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					return startSession(cCtx, interfaces.ShareRemoveSessionKind)
				},
			},
			{
				Name:  "sessions",
				Usage: "list sessions in progress",
				Flags: []cli.Flag{flagKeyServer},
				Action: func(cCtx *cli.Context) error {
					sessions, err := newClient(cCtx, nil).Sessions(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(sessions)
				},
			},
			{
				Name:      "session",
				Usage:     "print the status of a session",
				ArgsUsage: "share_add|share_remove",
				Flags:     []cli.Flag{flagKeyServer, flagKeyID, flagWait, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					keyID, err := interfaces.NewSessionIDFromHex(cCtx.String(flagKeyID.Name))
					if err != nil {
						return err
					}
					kind := interfaces.SessionKind(cCtx.Args().First())

					client := newClient(cCtx, nil)
					if !cCtx.Bool(flagWait.Name) {
						status, err := client.SessionStatus(cCtx.Context, kind, keyID)
						if err != nil {
							return err
						}
						return printJSON(status)
					}
					return waitSession(cCtx, client, kind, keyID)
				},
			},
			{
				Name:  "split-seed",
				Usage: "split a key server seed into admin shares",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "seed-file", Required: true, Usage: "key server seed to split"},
					flagSeedAdmins,
					flagSeedShares,
					flagSeedThreshold,
				},
				Action: func(cCtx *cli.Context) error {
					seed, err := kms.LoadSeedFile(cCtx.String("seed-file"))
					if err != nil {
						return err
					}
					adminsJSON, err := os.ReadFile(cCtx.String(flagSeedAdmins.Name))
					if err != nil {
						return err
					}
					var admins []cryptoutils.Public
					if err := json.Unmarshal(adminsJSON, &admins); err != nil {
						return fmt.Errorf("failed to parse admins file: %w", err)
					}

					shares, err := kms.SplitSeed(seed, kms.ShamirConfig{Threshold: cCtx.Int(flagSeedThreshold.Name), Admins: admins})
					if err != nil {
						return err
					}
					sharesByAdmin := make(map[string]string, len(admins))
					for i, admin := range admins {
						sharesByAdmin[admin.String()] = hex.EncodeToString(shares[i])
					}

					sharesJSON, err := json.MarshalIndent(sharesByAdmin, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagSeedShares.Name), sharesJSON, 0600)
				},
			},
			{
				Name:  "submit-seed-share",
				Usage: "submit this admin's seed share to a bootstrapping key server",
				Flags: []cli.Flag{flagBootstrapServer, flagAdminSeed, flagSeedShares},
				Action: func(cCtx *cli.Context) error {
					admin, err := loadAdmin(cCtx)
					if err != nil {
						return err
					}
					sharesJSON, err := os.ReadFile(cCtx.String(flagSeedShares.Name))
					if err != nil {
						return err
					}
					var sharesByAdmin map[string]string
					if err := json.Unmarshal(sharesJSON, &sharesByAdmin); err != nil {
						return fmt.Errorf("failed to parse shares file: %w", err)
					}
					shareHex, found := sharesByAdmin[admin.NodeID().Public().String()]
					if !found {
						return fmt.Errorf("no share for admin %s", admin.NodeID().Short())
					}
					share, err := hex.DecodeString(shareHex)
					if err != nil {
						return err
					}

					client := clients.NewAdminClient(cCtx.String(flagBootstrapServer.Name), nil)
					status, err := client.SubmitShare(cCtx.Context, share, admin)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context, admin *kms.NodeKMS) *clients.AdminClient {
	if admin == nil {
		return clients.NewAdminClient(cCtx.String(flagKeyServer.Name), nil)
	}
	return clients.NewAdminClient(cCtx.String(flagKeyServer.Name), admin.NodeKey())
}

func loadAdmin(cCtx *cli.Context) (*kms.NodeKMS, error) {
	seed, err := kms.LoadSeedFile(cCtx.String(flagAdminSeed.Name))
	if err != nil {
		return nil, err
	}
	return kms.NewNodeKMS(seed)
}

func parseNodes(values []string) (interfaces.NodeSet, error) {
	nodes := interfaces.NewNodeSet()
	for _, value := range values {
		for _, hexID := range strings.Split(value, ",") {
			node, err := interfaces.NewNodeIDFromHex(strings.TrimSpace(hexID))
			if err != nil {
				return nil, err
			}
			nodes.Add(node)
		}
	}
	return nodes, nil
}

func startSession(cCtx *cli.Context, kind interfaces.SessionKind) error {
	admin, err := loadAdmin(cCtx)
	if err != nil {
		return err
	}
	keyID, err := interfaces.NewSessionIDFromHex(cCtx.String(flagKeyID.Name))
	if err != nil {
		return err
	}
	holders, err := parseNodes(cCtx.StringSlice(flagHolders.Name))
	if err != nil {
		return err
	}
	nodes, err := parseNodes(cCtx.StringSlice(flagNodes.Name))
	if err != nil {
		return err
	}

	client := newClient(cCtx, admin)
	var status api.SessionResponse
	switch kind {
	case interfaces.ShareAddSessionKind:
		status, err = client.ShareAdd(cCtx.Context, keyID, holders, nodes)
	default:
		status, err = client.ShareRemove(cCtx.Context, keyID, holders, nodes)
	}
	if err != nil {
		return err
	}
	if !cCtx.Bool(flagWait.Name) {
		return printJSON(status)
	}
	return waitSession(cCtx, client, kind, keyID)
}

func waitSession(cCtx *cli.Context, client *clients.AdminClient, kind interfaces.SessionKind, keyID interfaces.SessionID) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	status, err := client.WaitForSession(ctx, kind, keyID, time.Second)
	if printErr := printJSON(status); printErr != nil {
		return printErr
	}
	return err
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
