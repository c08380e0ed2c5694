package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBackend checks the StorageBackend contract.
func testBackend(t *testing.T, backend interfaces.StorageBackend) {
	t.Helper()
	ctx := context.Background()
	id := interfaces.SessionID{1, 2, 3}
	other := interfaces.SessionID{4, 5, 6}

	require.True(t, backend.Available(ctx))

	_, err := backend.Fetch(ctx, id)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, backend.Store(ctx, id, []byte("first")))
	data, err := backend.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)

	require.NoError(t, backend.Store(ctx, id, []byte("second")))
	data, err = backend.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)

	_, err = backend.Fetch(ctx, other)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, backend.Delete(ctx, id))
	_, err = backend.Fetch(ctx, id)
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// deleting a missing record is not an error
	require.NoError(t, backend.Delete(ctx, id))

	require.NotEmpty(t, backend.Name())
	require.NotEmpty(t, backend.LocationURI())
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	testBackend(t, backend)

	require.Equal(t, "file://"+dir, backend.LocationURI())

	// no temporary files are left behind
	require.NoError(t, backend.Store(context.Background(), interfaces.SessionID{7}, []byte("data")))
	entries, err := os.ReadDir(filepath.Join(dir, "shares"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, interfaces.SessionID{7}.String(), entries[0].Name())
}

func TestFileBackendUnavailable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))
	require.False(t, backend.Available(context.Background()))
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend("test")
	testBackend(t, backend)
	require.Equal(t, "memory://test", backend.LocationURI())

	// stored data is copied
	data := []byte("data")
	require.NoError(t, backend.Store(context.Background(), interfaces.SessionID{1}, data))
	data[0] = 'X'
	fetched, err := backend.Fetch(context.Background(), interfaces.SessionID{1})
	require.NoError(t, err)
	require.Equal(t, []byte("data"), fetched)
}

func TestBadgerBackend(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		backend, err := NewBadgerBackend("", testLogger())
		require.NoError(t, err)
		defer backend.Close()
		testBackend(t, backend)
		require.Equal(t, "badger-memory", backend.Name())
	})

	t.Run("on disk survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		backend, err := NewBadgerBackend(dir, testLogger())
		require.NoError(t, err)
		testBackend(t, backend)

		require.NoError(t, backend.Store(context.Background(), interfaces.SessionID{8}, []byte("persisted")))
		require.NoError(t, backend.Close())
		require.False(t, backend.Available(context.Background()))

		reopened, err := NewBadgerBackend(dir, testLogger())
		require.NoError(t, err)
		defer reopened.Close()
		data, err := reopened.Fetch(context.Background(), interfaces.SessionID{8})
		require.NoError(t, err)
		require.Equal(t, []byte("persisted"), data)
	})
}

// fakeVault serves the subset of the KV v2 and sys/health API the backend uses.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
}

func newFakeVault(t *testing.T) *httptest.Server {
	vault := &fakeVault{secrets: make(map[string]map[string]interface{})}
	server := httptest.NewServer(vault)
	t.Cleanup(server.Close)
	return server
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r.URL.Path == "/v1/sys/health" {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"initialized": true, "sealed": false})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch r.Method {
	case http.MethodGet:
		data, ok := v.secrets[strings.Replace(path, "/data/", "/", 1)]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"data": data}})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v.secrets[strings.Replace(path, "/data/", "/", 1)] = body.Data
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(v.secrets, strings.Replace(path, "/metadata/", "/", 1))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultBackend(t *testing.T) {
	server := newFakeVault(t)

	backend, err := NewVaultBackend(server.URL, "/secret/", "/secretstore/node1/", "token", testLogger())
	require.NoError(t, err)
	testBackend(t, backend)
	require.Equal(t, "vault-secret-secretstore/node1", backend.Name())

	// binary records survive the string based KV engine
	binary := []byte{0, 1, 2, 0xff, 0xfe}
	require.NoError(t, backend.Store(context.Background(), interfaces.SessionID{3}, binary))
	data, err := backend.Fetch(context.Background(), interfaces.SessionID{3})
	require.NoError(t, err)
	require.Equal(t, binary, data)
}

func TestSealer(t *testing.T) {
	sealer, err := NewSealer([]byte("node secret"))
	require.NoError(t, err)
	id := interfaces.SessionID{1}

	sealed, err := sealer.Seal(id, []byte("key share"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "key share")

	opened, err := sealer.Open(id, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("key share"), opened)

	// nonces are random
	again, err := sealer.Seal(id, []byte("key share"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	_, err = sealer.Open(interfaces.SessionID{2}, sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 1
	_, err = sealer.Open(id, tampered)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = sealer.Open(id, sealed[:10])
	assert.ErrorIs(t, err, ErrUnsealFailed)

	otherSealer, err := NewSealer([]byte("another secret"))
	require.NoError(t, err)
	_, err = otherSealer.Open(id, sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = NewSealer(nil)
	assert.Error(t, err)
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		name        string
		uri         string
		expectError bool
		expectName  string
	}{
		{name: "file", uri: "file://" + dir, expectName: "file-" + filepath.Base(dir)},
		{name: "memory", uri: "memory://node1", expectName: "memory-node1"},
		{name: "badger in memory", uri: "badger://", expectName: "badger-memory"},
		{name: "s3", uri: "s3://bucket/prefix?region=eu-west-1", expectName: "s3-bucket"},
		{name: "s3 without bucket", uri: "s3:///prefix", expectError: true},
		{name: "ipfs", uri: "ipfs://127.0.0.1:5001/secretstore?timeout=5s", expectName: "ipfs-127.0.0.1-5001"},
		{name: "ipfs default port", uri: "ipfs://127.0.0.1/secretstore", expectName: "ipfs-127.0.0.1-5001"},
		{name: "ipfs bad timeout", uri: "ipfs://127.0.0.1:5001/?timeout=soon", expectError: true},
		{name: "vault", uri: "vault://127.0.0.1:8200/secret/node1?tls=false", expectName: "vault-secret-node1"},
		{name: "vault without mount", uri: "vault://127.0.0.1:8200", expectError: true},
		{name: "redis", uri: "redis://127.0.0.1:6379/0?prefix=node1:", expectName: "redis-127.0.0.1:6379"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			location, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.StorageBackendFor(location)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expectName, backend.Name())
			if closer, ok := backend.(io.Closer); ok {
				require.NoError(t, closer.Close())
			}
		})
	}

	_, err := factory.StorageBackendFor(interfaces.StorageBackendLocation{Scheme: "github"})
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())

	first, err := interfaces.NewStorageBackendLocation("memory://a")
	require.NoError(t, err)
	second, err := interfaces.NewStorageBackendLocation("memory://b")
	require.NoError(t, err)

	single, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{first})
	require.NoError(t, err)
	require.Equal(t, "memory-a", single.Name())

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{first, second})
	require.NoError(t, err)
	require.Equal(t, "multi:[memory://a,memory://b]", multi.LocationURI())
	testBackend(t, multi)

	_, err = factory.CreateMultiBackend(nil)
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	broken, err := interfaces.NewStorageBackendLocation("s3://user:secret@/prefix")
	require.NoError(t, err)
	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{first, broken})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret@")
}
