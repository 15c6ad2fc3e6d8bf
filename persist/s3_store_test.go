package persist

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUser     = "tryst"
	minioPassword = "tryst-secret-key"
	minioBucket   = "tryst-identities"
)

// startMinio returns the host:port of an S3 endpoint. TRYST_S3_ENDPOINT points
// the tests at an existing server instead of a container.
func startMinio(t *testing.T) string {
	t.Helper()
	if endpoint := os.Getenv("TRYST_S3_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-10-13T13-34-11Z",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("MinIO container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func s3TestConfig(endpoint string) S3Config {
	return S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
		Bucket:          minioBucket,
		KeyPrefix:       "test/",
		Region:          "us-east-1",
	}
}

// emptyStore removes every blob the test wrote under the store's namespace
func emptyStore(t *testing.T, store Store) {
	keys, err := store.List("")
	if err != nil {
		t.Logf("failed to list blobs for cleanup: %v", err)
		return
	}
	for _, key := range keys {
		if err = store.Delete(key); err != nil {
			t.Logf("failed to delete %s: %v", key, err)
		}
	}
}

func TestS3Store(t *testing.T) {
	endpoint := startMinio(t)

	store, err := NewS3Store(s3TestConfig(endpoint), testNamespace)
	require.NoError(t, err)
	t.Cleanup(func() {
		emptyStore(t, store)
		_ = store.Close()
	})

	testStoreImplementation(t, store)

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		other, err := NewS3Store(s3TestConfig(endpoint), "other-identity")
		require.NoError(t, err)
		defer func() {
			emptyStore(t, other)
			_ = other.Close()
		}()

		require.NoError(t, store.Set("identity/public", []byte("mine")))
		_, err = other.Get("identity/public")
		assert.ErrorIs(t, err, ErrNotFound)

		keys, err := other.List("identity/")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("FactoryBuildsStore", func(t *testing.T) {
		cfg := s3TestConfig(endpoint)
		built, err := NewStore(StoreConfig{
			Type: StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          cfg.Endpoint,
				"access_key_id":     cfg.AccessKeyID,
				"secret_access_key": cfg.SecretAccessKey,
				"bucket":            cfg.Bucket,
				"key_prefix":        cfg.KeyPrefix,
				"region":            cfg.Region,
			},
		}, testNamespace)
		require.NoError(t, err)
		defer built.Close()

		assert.Equal(t, string(StoreTypeS3), built.GetType())
		require.NoError(t, store.Set("replay/ledger", []byte(`{"version":1}`)))
		data, err := built.Get("replay/ledger")
		require.NoError(t, err)
		assert.Equal(t, `{"version":1}`, string(data))
	})
}
