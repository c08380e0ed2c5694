package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// manages replicated configurations.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - badger:// - Embedded badger database
//   - memory:// - Process memory, lost on restart
//   - redis:// - Redis server
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS mutable file system
//   - vault:// - HashiCorp Vault KV v2
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case "file":
		return sf.createFileBackend(location)
	case "badger":
		return sf.createBadgerBackend(location)
	case "memory":
		return NewMemoryBackend(location.Host + location.Path), nil
	case "redis":
		return sf.createRedisBackend(location)
	case "s3":
		return sf.createS3Backend(location)
	case "ipfs":
		return sf.createIPFSBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a replicated backend from a list of location URIs.
// Every location must produce a backend: silently dropping a replica would
// leave shares with fewer copies than configured.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: no storage locations", interfaces.ErrInvalidLocationURI)
	}

	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend %s: %w", redactLocation(location), err)
		}
		backends = append(backends, backend)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	sf.log.Debug("Creating file backend", slog.String("path", path))
	return NewFileBackend(path, sf.log)
}

// createBadgerBackend handles badger:///path/to/db. An empty path opens an
// in-memory database.
func (sf *StorageBackendFactory) createBadgerBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	sf.log.Debug("Creating badger backend", slog.String("path", path))
	return NewBadgerBackend(path, sf.log)
}

// createRedisBackend handles redis://[user:password@]host:port/db?prefix=secretstore:
func (sf *StorageBackendFactory) createRedisBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	prefix := location.GetParam("prefix")
	if prefix == "" {
		prefix = "secretstore:share:"
	}

	u, err := url.Parse(location.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
	}
	u.RawQuery = ""

	sf.log.Debug("Creating redis backend", slog.String("host", location.Host))
	return NewRedisBackend(u.String(), prefix, sf.log)
}

// createS3Backend handles
// s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
		if unescaped, err := url.PathUnescape(secretKey); err == nil {
			secretKey = unescaped
		}
	}

	sf.log.Debug("Creating S3 backend", slog.String("bucket", location.Host))
	return NewS3Backend(location.Host, strings.TrimPrefix(location.Path, "/"), region,
		location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createIPFSBackend handles ipfs://host:port/mfs/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	u, err := url.Parse(location.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
	}

	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := location.GetParam("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %w", interfaces.ErrInvalidLocationURI, err)
		}
	}

	sf.log.Debug("Creating IPFS backend", slog.String("host", u.Hostname()))
	return NewIPFSBackend(u.Hostname(), port, location.Path, timeout, sf.log)
}

// createVaultBackend handles vault://host:port/mount/path?tls=false. The
// token comes from the URI user or from VAULT_TOKEN.
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(location.Path, "/"), "/")
	if mount == "" {
		return nil, fmt.Errorf("%w: missing Vault mount path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}

	token := location.Auth
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	sf.log.Debug("Creating Vault backend", slog.String("host", location.Host), slog.String("mount", mount))
	return NewVaultBackend(scheme+"://"+location.Host, mount, dataPath, token, sf.log)
}

func redactLocation(location interfaces.StorageBackendLocation) string {
	if location.Auth == "" {
		return location.Raw
	}
	return strings.Replace(location.Raw, location.Auth+"@", "***@", 1)
}
