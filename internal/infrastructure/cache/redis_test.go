package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmlens/backend/internal/domain"
)

// Runs only when HARMLENS_TEST_REDIS_URL points at a disposable instance.
func TestRedisCache_Integration(t *testing.T) {
	url := os.Getenv("HARMLENS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HARMLENS_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	cache, err := NewRedisCache(ctx, url)
	require.NoError(t, err)
	defer cache.Close()

	key := "test:" + time.Now().Format("150405.000000")
	defer cache.Delete(ctx, key)

	_, err = cache.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, key, newTestEntry("r", 42), time.Minute))

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Result.HarmScore)

	exists, err := cache.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
