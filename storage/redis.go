package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// RedisBackend stores records as redis strings under a key prefix.
type RedisBackend struct {
	client      *redis.Client
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewRedisBackend creates a backend from a redis:// URL. Records are stored
// under prefix followed by the hex session id.
func NewRedisBackend(redisURL, prefix string, log *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
	}
	return NewRedisBackendWithClient(redis.NewClient(opts), prefix, log), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client, prefix string, log *slog.Logger) *RedisBackend {
	return &RedisBackend{
		client:      client,
		prefix:      prefix,
		log:         log,
		locationURI: fmt.Sprintf("redis://%s/%s", client.Options().Addr, prefix),
	}
}

func (b *RedisBackend) key(id interfaces.SessionID) string {
	return b.prefix + id.String()
}

// Fetch reads the record stored under id.
func (b *RedisBackend) Fetch(ctx context.Context, id interfaces.SessionID) ([]byte, error) {
	start := time.Now()
	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from redis",
			slog.String("key", id.String()),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return data, nil
}

// Store writes the record without expiration.
func (b *RedisBackend) Store(ctx context.Context, id interfaces.SessionID, data []byte) error {
	if err := b.client.Set(ctx, b.key(id), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Stored key share in redis", slog.String("key", id.String()))
	return nil
}

// Delete removes the record.
func (b *RedisBackend) Delete(ctx context.Context, id interfaces.SessionID) error {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available pings the server.
func (b *RedisBackend) Available(ctx context.Context) bool {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Debug("Redis backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *RedisBackend) Name() string {
	return fmt.Sprintf("redis-%s", b.client.Options().Addr)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *RedisBackend) LocationURI() string {
	return b.locationURI
}
