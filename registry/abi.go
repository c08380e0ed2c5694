package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// KeyServerSetContractRegistryName is the registrar entry of the key server set contract.
const KeyServerSetContractRegistryName = "secretstore_server_set"

// KeyServerSetABI is the interface of the key server set contract.
const KeyServerSetABI = `[
	{"type":"function","name":"getCurrentKeyServers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getCurrentKeyServerPublic","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"getCurrentKeyServerAddress","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getNewKeyServers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getNewKeyServerPublic","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"getNewKeyServerAddress","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getMigrationKeyServers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getMigrationKeyServerPublic","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"getMigrationKeyServerAddress","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getMigrationId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"getMigrationMaster","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isMigrationConfirmed","stateMutability":"view","inputs":[{"name":"keyServer","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"startMigration","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"confirmMigration","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"KeyServerAdded","anonymous":false,"inputs":[{"name":"keyServer","type":"address","indexed":false}]},
	{"type":"event","name":"KeyServerRemoved","anonymous":false,"inputs":[{"name":"keyServer","type":"address","indexed":false}]},
	{"type":"event","name":"MigrationStarted","anonymous":false,"inputs":[]},
	{"type":"event","name":"MigrationCompleted","anonymous":false,"inputs":[]}
]`

// RegistrarABI is the subset of the name registrar used to locate contracts.
const RegistrarABI = `[
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"name","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	keyServerSetABI = mustParseABI(KeyServerSetABI)
	registrarABI    = mustParseABI(RegistrarABI)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// KeyServerSetEventTopics returns the topics of the events emitted when the
// key server set changes.
func KeyServerSetEventTopics() []common.Hash {
	return []common.Hash{
		keyServerSetABI.Events["KeyServerAdded"].ID,
		keyServerSetABI.Events["KeyServerRemoved"].ID,
		keyServerSetABI.Events["MigrationStarted"].ID,
		keyServerSetABI.Events["MigrationCompleted"].ID,
	}
}
