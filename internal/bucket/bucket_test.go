package bucket_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatwarden/warden/internal/bucket"
	"github.com/chatwarden/warden/internal/counter"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTest(t *testing.T, maxActions int, interval time.Duration) (*bucket.Bucket, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)

	store := counter.NewStore(client, zap.NewNop())
	b := bucket.New(store, "b:test", maxActions, interval)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return b, cleanup
}

func TestCheckAllowsUpToMax(t *testing.T) {
	t.Parallel()

	b, cleanup := setupTest(t, 3, 10*time.Second)
	defer cleanup()

	ctx := t.Context()

	for i := range 3 {
		allowed, err := b.Check(ctx, "actor", 1)
		require.NoError(t, err)
		assert.True(t, allowed, fmt.Sprintf("event %d should be allowed", i+1))
	}

	allowed, err := b.Check(ctx, "actor", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "event past the limit should breach")
}

func TestBucketsIsolateKeys(t *testing.T) {
	t.Parallel()

	b, cleanup := setupTest(t, 1, 10*time.Second)
	defer cleanup()

	ctx := t.Context()

	allowed, err := b.Check(ctx, "actor-a", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	// A different actor has their own bucket.
	allowed, err = b.Check(ctx, "actor-b", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = b.Check(ctx, "actor-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestClearResetsBucket(t *testing.T) {
	t.Parallel()

	b, cleanup := setupTest(t, 1, 10*time.Second)
	defer cleanup()

	ctx := t.Context()

	_, err := b.Incr(ctx, "actor", 2)
	require.NoError(t, err)

	require.NoError(t, b.Clear(ctx, "actor"))

	count, err := b.Count(ctx, "actor")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
