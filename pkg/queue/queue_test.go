package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stretchr/testify/assert"
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

func TestQueue_EnqueueDequeueFIFO(t *testing.T) {
	rdb := startRedis(t)
	q := New(rdb)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "job_1", Language: "python3", Code: "print(1)"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "job_2", Language: "python3", Code: "print(2)"}))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "job_1", first.ID)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "job_2", second.ID)
}

func TestQueue_DequeueTimeoutReturnsNilNil(t *testing.T) {
	rdb := startRedis(t)
	q := New(rdb)

	job, err := q.Dequeue(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_Len(t *testing.T) {
	rdb := startRedis(t)
	q := New(rdb)
	ctx := context.Background()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, q.Enqueue(ctx, Job{ID: "job_1", Language: "python3", Code: "x"}))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_NoJobAppearsTwice(t *testing.T) {
	rdb := startRedis(t)
	q := New(rdb)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "job_1", Language: "python3", Code: "x"}))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// the queue must be empty after the single job was popped once
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
