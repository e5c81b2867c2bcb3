//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisTryLock(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, 2*time.Second, zerolog.Nop())

	unlock, ok, err := l.TryLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, err = l.TryLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale unlock must not release someone else's hold
	time.Sleep(2500 * time.Millisecond)
	stale := unlock
	_, ok, err = l.TryLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	stale()
	_, ok, err = l.TryLock(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}
