package keyserverset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/registry"
)

// ErrNoContract is returned for migration transactions while no key server
// set contract is registered.
var ErrNoContract = errors.New("key server set contract is not registered")

// Config configures an OnChainKeyServerSet.
type Config struct {
	// Self is the local node.
	Self interfaces.NodeID
	// AutoMigrate enables reading the new and migration sets.
	AutoMigrate bool
	// KeyServers is the set used until the contract is read.
	KeyServers map[interfaces.NodeID]interfaces.NodeAddress
	Log        *slog.Logger
}

// OnChainKeyServerSet follows the key server set contract and exposes a
// stabilized snapshot of it.
type OnChainKeyServerSet struct {
	registrar   interfaces.Registrar
	contracts   interfaces.KeyServerSetContractFactory
	chain       interfaces.ChainReader
	self        interfaces.NodeID
	autoMigrate bool
	log         *slog.Logger

	mu              sync.Mutex
	contractAddress *common.Address
	contract        interfaces.KeyServerSetContract
	// last processed block
	lastBlock          *interfaces.BlockRef
	snapshot           interfaces.KeyServerSetSnapshot
	futureNewSet       *futureNewSet
	startMigrationTx   *migrationTransaction
	confirmMigrationTx *migrationTransaction
}

// NewOnChainKeyServerSet creates a key server set serving cfg.KeyServers
// until the first Update.
func NewOnChainKeyServerSet(cfg Config, registrar interfaces.Registrar, contracts interfaces.KeyServerSetContractFactory, chain interfaces.ChainReader) *OnChainKeyServerSet {
	return &OnChainKeyServerSet{
		registrar:   registrar,
		contracts:   contracts,
		chain:       chain,
		self:        cfg.Self,
		autoMigrate: cfg.AutoMigrate,
		log:         cfg.Log,
		snapshot: interfaces.KeyServerSetSnapshot{
			CurrentSet: cloneSet(cfg.KeyServers),
			NewSet:     cloneSet(cfg.KeyServers),
		},
	}
}

// Snapshot implements interfaces.KeyServerSet.
func (s *OnChainKeyServerSet) Snapshot() interfaces.KeyServerSetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snapshot)
}

// Run calls Update every interval until ctx is done.
func (s *OnChainKeyServerSet) Run(ctx context.Context, interval time.Duration) {
	if err := s.Update(ctx); err != nil {
		s.log.Warn("failed to update key server set", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Update(ctx); err != nil {
				s.log.Warn("failed to update key server set", "err", err)
			}
		}
	}
}

// Update re-reads the contract when its registered address changed, when it
// emitted a set change event since the last processed block, or after a
// reorganization. Then the pending new set confirmations are refreshed.
func (s *OnChainKeyServerSet) Update(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.chain.LatestBlock(ctx)
	if err != nil {
		return err
	}

	address, registered, err := s.registrar.ContractAddress(ctx, registry.KeyServerSetContractRegistryName)
	if err != nil {
		return err
	}
	var newAddress *common.Address
	if registered {
		newAddress = &address
	}

	switch {
	case !sameAddress(s.contractAddress, newAddress):
		if err := s.readFromRegistry(ctx, latest, newAddress); err != nil {
			return err
		}
	case s.contractAddress != nil:
		changed, err := s.isSetChanged(ctx, latest)
		if err != nil {
			return err
		}
		if changed {
			if err := s.readFromRegistry(ctx, latest, newAddress); err != nil {
				return err
			}
		}
	}
	s.lastBlock = &latest

	if s.autoMigrate {
		s.futureNewSet = updateNumberOfConfirmations(
			func() common.Hash { return latest.Hash },
			func(block common.Hash) (uint64, bool) {
				confirmations, ok, err := s.chain.BlockConfirmations(ctx, block)
				if err != nil {
					s.log.Debug("failed to read block confirmations", slog.String("block", block.Hex()), "err", err)
					return 0, true
				}
				return confirmations, ok
			},
			s.futureNewSet, &s.snapshot)
	}

	return nil
}

func (s *OnChainKeyServerSet) isSetChanged(ctx context.Context, latest interfaces.BlockRef) (bool, error) {
	if s.lastBlock == nil {
		return true, nil
	}
	if s.lastBlock.Hash == latest.Hash {
		return false, nil
	}

	// the processed block was reorganized away, its events may have changed
	_, canonical, err := s.chain.BlockConfirmations(ctx, s.lastBlock.Hash)
	if err != nil {
		return false, err
	}
	if !canonical {
		return true, nil
	}

	return s.chain.HasLogs(ctx, *s.contractAddress, registry.KeyServerSetEventTopics(), s.lastBlock.Number+1, latest.Number)
}

func (s *OnChainKeyServerSet) readFromRegistry(ctx context.Context, latest interfaces.BlockRef, address *common.Address) error {
	if address != nil && !sameAddress(s.contractAddress, address) {
		s.log.Info("configuring key server set contract", slog.String("address", address.Hex()))
	}
	s.contractAddress = address

	if address == nil {
		s.contract = nil
		s.snapshot = interfaces.KeyServerSetSnapshot{
			CurrentSet: map[interfaces.NodeID]interfaces.NodeAddress{},
			NewSet:     map[interfaces.NodeID]interfaces.NodeAddress{},
		}
		s.futureNewSet = nil
		return nil
	}

	contract, err := s.contracts.KeyServerSetFor(*address)
	if err != nil {
		return fmt.Errorf("failed to bind key server set contract: %w", err)
	}
	s.contract = contract

	snapshot := interfaces.KeyServerSetSnapshot{
		CurrentSet: s.readKeyServerSet(ctx, interfaces.CurrentKeyServers),
	}
	if s.autoMigrate {
		snapshot.NewSet = s.readKeyServerSet(ctx, interfaces.NewKeyServers)
		if migrationSet := s.readKeyServerSet(ctx, interfaces.MigrationKeyServers); len(migrationSet) > 0 {
			snapshot.Migration = s.readMigration(ctx, snapshot.CurrentSet, migrationSet)
		}
		s.futureNewSet = updateFutureSet(s.futureNewSet, &snapshot, latest.Hash)
	} else {
		snapshot.NewSet = cloneSet(snapshot.CurrentSet)
	}

	s.snapshot = snapshot
	s.log.Debug("read key server set",
		slog.Int("current", len(snapshot.CurrentSet)),
		slog.Int("new", len(snapshot.NewSet)),
		slog.Bool("migration", snapshot.Migration != nil))
	return nil
}

// readKeyServerSet reads one list of the contract. Entries that fail to
// resolve and entries reusing an address are skipped.
func (s *OnChainKeyServerSet) readKeyServerSet(ctx context.Context, kind interfaces.KeyServerSetKind) map[interfaces.NodeID]interfaces.NodeAddress {
	set := make(map[interfaces.NodeID]interfaces.NodeAddress)

	accounts, err := s.contract.KeyServers(ctx, kind)
	if err != nil {
		s.log.Warn("failed to read list of key servers", slog.String("kind", kind.String()), "err", err)
		return set
	}

	addresses := make(map[interfaces.NodeAddress]struct{}, len(accounts))
	for _, account := range accounts {
		node, err := s.readKeyServerPublic(ctx, kind, account)
		if err != nil {
			s.log.Warn("received invalid public from key server set contract", slog.String("account", account.Hex()), "err", err)
			continue
		}

		rawAddress, err := s.contract.KeyServerAddress(ctx, kind, account)
		if err != nil {
			s.log.Warn("failed to read key server address", slog.String("account", account.Hex()), "err", err)
			continue
		}
		address, err := interfaces.NewNodeAddress(rawAddress)
		if err != nil {
			s.log.Warn("received invalid address from key server set contract", slog.String("account", account.Hex()), "err", err)
			continue
		}

		if _, ok := addresses[address]; ok {
			s.log.Warn("the same address is specified twice in the key server set, ignoring server",
				slog.String("address", address.String()), slog.String("node", node.Short()))
			continue
		}
		addresses[address] = struct{}{}
		set[node] = address
	}

	return set
}

func (s *OnChainKeyServerSet) readKeyServerPublic(ctx context.Context, kind interfaces.KeyServerSetKind, account common.Address) (interfaces.NodeID, error) {
	public, err := s.contract.KeyServerPublic(ctx, kind, account)
	if err != nil {
		return interfaces.NodeID{}, err
	}
	if len(public) != len(interfaces.NodeID{}) {
		return interfaces.NodeID{}, fmt.Errorf("invalid public length %d", len(public))
	}
	return interfaces.NewNodeIDFromBytes(public)
}

// readMigration returns nil when any part of the migration cannot be read,
// or when the local node takes no part in it.
func (s *OnChainKeyServerSet) readMigration(ctx context.Context, currentSet, migrationSet map[interfaces.NodeID]interfaces.NodeAddress) *interfaces.KeyServerSetMigration {
	id, err := s.contract.MigrationID(ctx)
	if err != nil {
		s.log.Debug("failed to read migration id", "err", err)
		return nil
	}

	masterAccount, err := s.contract.MigrationMaster(ctx)
	if err != nil {
		s.log.Debug("failed to read migration master", "err", err)
		return nil
	}
	master, ok := findByAccount(masterAccount, currentSet, migrationSet)
	if !ok {
		s.log.Debug("migration master is not a key server", slog.String("account", masterAccount.Hex()))
		return nil
	}

	_, inCurrent := currentSet[s.self]
	_, inMigration := migrationSet[s.self]
	if !inCurrent && !inMigration {
		return nil
	}
	isConfirmed, err := s.contract.IsMigrationConfirmed(ctx, s.self.Public().Address())
	if err != nil {
		s.log.Debug("failed to read migration confirmation", "err", err)
		return nil
	}

	return &interfaces.KeyServerSetMigration{
		ID:          id,
		Set:         migrationSet,
		Master:      master,
		IsConfirmed: isConfirmed,
	}
}

// StartMigration implements interfaces.KeyServerSet.
func (s *OnChainKeyServerSet) StartMigration(ctx context.Context, id interfaces.MigrationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, send, err := s.shouldTransact(ctx, id, s.startMigrationTx)
	if err != nil || !send {
		return err
	}
	s.startMigrationTx = next

	hash, err := s.contract.StartMigration(ctx, id)
	if err != nil {
		s.log.Warn("failed to submit auto-migration start transaction", slog.String("migration", id.String()), "err", err)
		return err
	}
	s.log.Info("sent auto-migration start transaction", slog.String("migration", id.String()), slog.String("tx", hash.Hex()))
	return nil
}

// ConfirmMigration implements interfaces.KeyServerSet.
func (s *OnChainKeyServerSet) ConfirmMigration(ctx context.Context, id interfaces.MigrationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, send, err := s.shouldTransact(ctx, id, s.confirmMigrationTx)
	if err != nil || !send {
		return err
	}
	s.confirmMigrationTx = next

	hash, err := s.contract.ConfirmMigration(ctx, id)
	if err != nil {
		s.log.Warn("failed to submit auto-migration confirmation transaction", slog.String("migration", id.String()), "err", err)
		return err
	}
	s.log.Info("sent auto-migration confirm transaction", slog.String("migration", id.String()), slog.String("tx", hash.Hex()))
	return nil
}

func (s *OnChainKeyServerSet) shouldTransact(ctx context.Context, id interfaces.MigrationID, previous *migrationTransaction) (*migrationTransaction, bool, error) {
	if s.contract == nil {
		return nil, false, ErrNoContract
	}
	latest, err := s.chain.LatestBlock(ctx)
	if err != nil {
		return nil, false, err
	}
	next, send := updateLastTransactionBlock(latest.Number, id, previous)
	return next, send, nil
}

func findByAccount(account common.Address, sets ...map[interfaces.NodeID]interfaces.NodeAddress) (interfaces.NodeID, bool) {
	for _, set := range sets {
		for node := range set {
			if node.Public().Address() == account {
				return node, true
			}
		}
	}
	return interfaces.NodeID{}, false
}

func sameAddress(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
