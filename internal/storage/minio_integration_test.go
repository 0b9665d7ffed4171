//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/models"
)

func setupMinIO(t *testing.T) *MinIOStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "livehub",
			"MINIO_ROOT_PASSWORD": "livehub-secret",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	store, err := NewMinIOStore(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: "livehub",
		SecretKey: "livehub-secret",
		Bucket:    "livehub-test",
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx))
	return store
}

func TestMinIOStore(t *testing.T) {
	store := setupMinIO(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	key := "images/test/photo.jpg"
	require.NoError(t, store.PutObject(ctx, key, []byte("jpeg bytes"), "image/jpeg"))

	data, err := store.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)

	url, err := store.PresignedURL(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, url, "livehub-test/images/test/photo.jpg")
	assert.Contains(t, url, "X-Amz-Signature")

	require.NoError(t, store.DeleteObject(ctx, key))
	_, err = store.Fetch(ctx, key)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
