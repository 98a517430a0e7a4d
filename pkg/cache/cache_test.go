package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noisefs-labs/codeexec/pkg/store"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCache_MissBeforeBloomSeesFingerprint(t *testing.T) {
	rdb := startRedis(t)
	c := New(rdb, time.Hour, 1000, 0.01)

	_, hit, err := c.Get(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.False(t, hit)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.BloomRejects, "an unseen fingerprint must be rejected by the bloom filter without a Redis round trip")
}

func TestCache_PutThenGetHits(t *testing.T) {
	rdb := startRedis(t)
	c := New(rdb, time.Hour, 1000, 0.01)
	ctx := context.Background()

	result := store.Result{Stdout: "42\n", ExitCode: 0}
	require.NoError(t, c.Put(ctx, "fp-1", result))

	got, hit, err := c.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "42\n", got.Stdout)
	assert.True(t, got.Cached)
}

func TestCache_StatsTrackHitsAndMisses(t *testing.T) {
	rdb := startRedis(t)
	c := New(rdb, time.Hour, 1000, 0.01)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp-1", store.Result{ExitCode: 0}))

	_, _, _ = c.Get(ctx, "fp-1")
	_, _, _ = c.Get(ctx, "fp-unknown")

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Stores)
}
