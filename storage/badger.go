package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v2"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

var shareKeyPrefix = []byte("share/")

// BadgerBackend stores records in an embedded badger database.
type BadgerBackend struct {
	db          *badger.DB
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewBadgerBackend opens (or creates) the database in dir. An empty dir opens
// an in-memory database.
func NewBadgerBackend(dir string, log *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerBackend{
		db:          db,
		dir:         dir,
		log:         log,
		locationURI: fmt.Sprintf("badger://%s", dir),
	}, nil
}

func shareKey(id interfaces.SessionID) []byte {
	return append(append([]byte(nil), shareKeyPrefix...), id[:]...)
}

// Fetch reads the record stored under id.
func (b *BadgerBackend) Fetch(ctx context.Context, id interfaces.SessionID) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shareKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from badger: %w", err)
	}
	return data, nil
}

// Store writes the record in a single transaction.
func (b *BadgerBackend) Store(ctx context.Context, id interfaces.SessionID, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shareKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write to badger: %w", err)
	}
	b.log.Debug("Stored key share in badger", slog.String("key", id.String()))
	return nil
}

// Delete removes the record.
func (b *BadgerBackend) Delete(ctx context.Context, id interfaces.SessionID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(shareKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete from badger: %w", err)
	}
	return nil
}

// Available reports whether the database is open.
func (b *BadgerBackend) Available(ctx context.Context) bool {
	return !b.db.IsClosed()
}

// Name returns a unique identifier for this storage backend.
func (b *BadgerBackend) Name() string {
	if b.dir == "" {
		return "badger-memory"
	}
	return fmt.Sprintf("badger-%s", b.dir)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *BadgerBackend) LocationURI() string {
	return b.locationURI
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
