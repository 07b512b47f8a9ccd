//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spherical/pdf-ocr/internal/domain"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := redis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisClient_Integration(t *testing.T) {
	ctx := context.Background()
	addr := startRedis(t)

	client, err := NewRedisClient(ctx, RedisConfig{Addr: addr, PoolSize: 4, Prefix: "test:"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	docs := NewDocumentCache(client, time.Minute)
	doc := &domain.Document{Name: "a.pdf", Markdown: "hello\n\nworld", Pages: 2, Chunks: 1}
	require.NoError(t, docs.Store(ctx, "sha:fp", doc))

	got, ok, err := docs.Lookup(ctx, "sha:fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc.Markdown, got.Markdown)

	require.NoError(t, docs.Purge(ctx))
	_, ok, err = docs.Lookup(ctx, "sha:fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
