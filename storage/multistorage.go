package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// MultiStorageBackend replicates records to several backends. Writes must
// succeed on every backend, reads are served by the first backend holding
// the record.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new replicated storage backend.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the record from the first backend that has it. ErrKeyNotFound
// is returned only when every reachable backend reports the record missing.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.SessionID) ([]byte, error) {
	start := time.Now()
	var errs *multierror.Error
	notFound := 0

	for _, backend := range m.backends {
		data, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched key share",
				slog.String("backend_name", backend.Name()),
				slog.String("key", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrKeyNotFound) {
			notFound++
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", id.String()),
			"err", err)
	}

	if errs == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	m.log.Error("All backends failed to fetch key share",
		slog.String("key", id.String()),
		slog.Int("failed_backends", errs.Len()),
		slog.Int("missing", notFound),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, errs)
}

// Store writes the record to every backend.
func (m *MultiStorageBackend) Store(ctx context.Context, id interfaces.SessionID, data []byte) error {
	return m.forEach(ctx, "store", id, func(backend interfaces.StorageBackend) error {
		return backend.Store(ctx, id, data)
	})
}

// Delete removes the record from every backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, id interfaces.SessionID) error {
	return m.forEach(ctx, "delete", id, func(backend interfaces.StorageBackend) error {
		return backend.Delete(ctx, id)
	})
}

func (m *MultiStorageBackend) forEach(ctx context.Context, op string, id interfaces.SessionID, fn func(interfaces.StorageBackend) error) error {
	if len(m.backends) == 0 {
		return fmt.Errorf("%w: no backends configured", interfaces.ErrBackendUnavailable)
	}

	start := time.Now()
	var errs *multierror.Error
	for _, backend := range m.backends {
		if err := fn(backend); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to "+op+" key share",
				slog.String("backend_name", backend.Name()),
				slog.String("key", id.String()),
				"err", err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to %s key share on %d of %d backends: %w", op, errs.Len(), len(m.backends), err)
	}

	m.log.Debug("Replicated key share operation",
		slog.String("op", op),
		slog.String("key", id.String()),
		slog.Int("backends", len(m.backends)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available checks if every backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	if len(m.backends) == 0 {
		return false
	}
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			return false
		}
	}
	return true
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
