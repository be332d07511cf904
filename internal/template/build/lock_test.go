package build

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/template"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLocker(client), mr
}

func TestRedisLocker_SecondHolderWaits(t *testing.T) {
	locker, mr := newRedisLocker(t)

	unlock, err := locker.Lock(t.Context(), lockKey("research-sandbox"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("template-build:research-sandbox"))

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, lockKey("research-sandbox"))
	require.Error(t, err)

	unlock()
	assert.False(t, mr.Exists("template-build:research-sandbox"))

	unlock, err = locker.Lock(t.Context(), lockKey("research-sandbox"))
	require.NoError(t, err)
	unlock()
}

func TestBuild_WithRedisLock(t *testing.T) {
	locker, mr := newRedisLocker(t)
	executor := newFakeExecutor()
	builder, _ := newTestBuilder(t, executor, writeContext(t))
	builder.locker = locker

	_, err := builder.Build(t.Context(), template.Default(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, executor.tags)
	assert.False(t, mr.Exists("template-build:"+template.DefaultAlias))
}
