package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

const (
	// keyShareVersion is written into every record.
	keyShareVersion = 1

	// DefaultCacheSize is the number of decoded shares kept in memory.
	DefaultCacheSize = 1024

	defaultOperationTimeout = 30 * time.Second
)

// storedKeyShare is the persisted record format.
type storedKeyShare struct {
	Version int                          `json:"version"`
	Share   *interfaces.DocumentKeyShare `json:"share"`
}

// KeyStorage implements interfaces.KeyStorage on top of a StorageBackend.
// Records are JSON encoded and, when a sealer is configured, encrypted before
// they reach the backend. Decoded shares are cached.
type KeyStorage struct {
	backend interfaces.StorageBackend
	sealer  *Sealer
	cache   *lru.Cache[interfaces.SessionID, *interfaces.DocumentKeyShare]
	timeout time.Duration
	log     *slog.Logger

	// serializes writes so that Update and Remove check and write atomically
	writeMu sync.Mutex
}

// NewKeyStorage creates a key storage. A nil sealer stores plaintext records.
func NewKeyStorage(backend interfaces.StorageBackend, sealer *Sealer, cacheSize int, log *slog.Logger) (*KeyStorage, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[interfaces.SessionID, *interfaces.DocumentKeyShare](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create key share cache: %w", err)
	}
	if sealer == nil {
		log.Warn("key shares are stored unsealed", slog.String("backend", backend.Name()))
	}

	return &KeyStorage{
		backend: backend,
		sealer:  sealer,
		cache:   cache,
		timeout: defaultOperationTimeout,
		log:     log,
	}, nil
}

// Get implements interfaces.KeyStorage.
func (s *KeyStorage) Get(id interfaces.SessionID) (*interfaces.DocumentKeyShare, error) {
	if share, ok := s.cache.Get(id); ok {
		return share.Clone(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	share, err := s.load(ctx, id)
	if err != nil {
		return nil, interfaces.KeyStorageError(err)
	}
	s.cache.Add(id, share)
	return share.Clone(), nil
}

// Insert implements interfaces.KeyStorage. An existing record is replaced.
func (s *KeyStorage) Insert(id interfaces.SessionID, share *interfaces.DocumentKeyShare) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.store(ctx, id, share)
}

// Update implements interfaces.KeyStorage.
func (s *KeyStorage) Update(id interfaces.SessionID, share *interfaces.DocumentKeyShare) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.exists(ctx, id); err != nil {
		return interfaces.KeyStorageError(err)
	}
	return s.store(ctx, id, share)
}

// Remove implements interfaces.KeyStorage.
func (s *KeyStorage) Remove(id interfaces.SessionID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.exists(ctx, id); err != nil {
		return interfaces.KeyStorageError(err)
	}

	s.cache.Remove(id)
	if err := s.backend.Delete(ctx, id); err != nil {
		return interfaces.KeyStorageError(err)
	}
	s.log.Debug("removed key share", slog.String("key", id.String()))
	return nil
}

// Contains implements interfaces.KeyStorage.
func (s *KeyStorage) Contains(id interfaces.SessionID) bool {
	if s.cache.Contains(id) {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.exists(ctx, id)
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		s.log.Warn("failed to check key share", slog.String("key", id.String()), "err", err)
	}
	return err == nil
}

func (s *KeyStorage) exists(ctx context.Context, id interfaces.SessionID) error {
	if s.cache.Contains(id) {
		return nil
	}
	_, err := s.backend.Fetch(ctx, id)
	return err
}

func (s *KeyStorage) load(ctx context.Context, id interfaces.SessionID) (*interfaces.DocumentKeyShare, error) {
	data, err := s.backend.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.sealer != nil {
		data, err = s.sealer.Open(id, data)
		if err != nil {
			return nil, err
		}
	}

	var record storedKeyShare
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode key share: %w", err)
	}
	if record.Version != keyShareVersion || record.Share == nil {
		return nil, fmt.Errorf("unsupported key share record version %d", record.Version)
	}
	return record.Share, nil
}

func (s *KeyStorage) store(ctx context.Context, id interfaces.SessionID, share *interfaces.DocumentKeyShare) error {
	data, err := json.Marshal(storedKeyShare{Version: keyShareVersion, Share: share})
	if err != nil {
		return interfaces.KeyStorageError(fmt.Errorf("failed to encode key share: %w", err))
	}

	if s.sealer != nil {
		data, err = s.sealer.Seal(id, data)
		if err != nil {
			return interfaces.KeyStorageError(err)
		}
	}

	// a failed write may have reached some replicas
	s.cache.Remove(id)
	if err := s.backend.Store(ctx, id, data); err != nil {
		return interfaces.KeyStorageError(err)
	}
	s.cache.Add(id, share.Clone())

	s.log.Debug("stored key share",
		slog.String("key", id.String()),
		slog.String("backend", s.backend.Name()))
	return nil
}
