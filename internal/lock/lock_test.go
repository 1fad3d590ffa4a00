package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestion.lock")
	ctx := context.Background()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := NewFileLock(path, time.Hour)
			if !assert.NoError(t, err) {
				return
			}
			ok, err := l.Acquire(ctx)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired)
}

func TestFileLockReleaseAllowsReacquire(t *testing.T) {
	l, err := NewFileLock(filepath.Join(t.TempDir(), "ingestion.lock"), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileLockRecoversStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestion.lock")
	require.NoError(t, os.WriteFile(path, []byte("2020-01-01T00:00:00Z"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := NewFileLock(path, time.Hour)
	require.NoError(t, err)
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := l.State(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Held)
	assert.WithinDuration(t, time.Now(), state.Since, time.Minute)
}

func TestFileLockStaleTakeoverHasOneWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestion.lock")
	require.NoError(t, os.WriteFile(path, []byte("2020-01-01T00:00:00Z"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	ctx := context.Background()

	a, err := NewFileLock(path, time.Hour)
	require.NoError(t, err)
	b, err := NewFileLock(path, time.Hour)
	require.NoError(t, err)

	// a takes over the stale file after b has looked at it but before b acts.
	var aOK bool
	var aErr error
	interleaved := false
	b.now = func() time.Time {
		if !interleaved {
			interleaved = true
			aOK, aErr = a.Acquire(ctx)
		}
		return time.Now()
	}

	bOK, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, aErr)
	require.True(t, interleaved)
	assert.True(t, aOK)
	assert.False(t, bOK)

	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.Held)

	leftovers, err := filepath.Glob(path + ".stale.*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileLockStateWhenFree(t *testing.T) {
	l, err := NewFileLock(filepath.Join(t.TempDir(), "ingestion.lock"), time.Hour)
	require.NoError(t, err)
	state, err := l.State(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Held)
	assert.Equal(t, "file", state.Backend)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("WORLDRATES_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORLDRATES_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	key := "worldrates:test:lock:" + t.Name()
	defer rdb.Del(ctx, key)

	first, err := NewRedisLock(rdb, key, time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(rdb, key, time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Release(ctx))
	state, err := first.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.Held)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release(ctx))
}
