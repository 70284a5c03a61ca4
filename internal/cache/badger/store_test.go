package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/cache"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresLocation(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "https://example.com/a", time.Hour))
	ok, err = s.Exists(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.GetCached(ctx, "cache:missing")
	require.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, s.SetCached(ctx, "cache:https://config", []byte("payload"), 0))
	got, err := s.GetCached(ctx, "cache:https://config")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestStoreClaimOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	won, err := s.Claim(ctx, "lock:proxies", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.Claim(ctx, "lock:proxies", time.Minute)
	require.NoError(t, err)
	require.False(t, won)
}

func TestStoreFlush(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"processed:1", "processed:2", "comments:1"} {
		require.NoError(t, s.MarkProcessed(ctx, key, 0))
	}

	n, err := s.FlushPattern(ctx, "processed")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ok, err := s.Exists(ctx, "comments:1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.FlushAll(ctx))
	ok, err = s.Exists(ctx, "comments:1")
	require.NoError(t, err)
	require.False(t, ok)
}
