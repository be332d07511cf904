package build

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	buildLockTTL           = time.Minute
	buildLockRetryInterval = 500 * time.Millisecond
)

// Locker serialises builds of one alias across replicas.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type RedisLocker struct {
	lockService *redislock.Client
}

func NewRedisLocker(redisClient redis.UniversalClient) *RedisLocker {
	return &RedisLocker{lockService: redislock.New(redisClient)}
}

// Lock waits until the lock is obtained or ctx is done. The lock is refreshed until unlock is called.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.lockService.Obtain(ctx, key, buildLockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(buildLockRetryInterval),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain build lock %s: %w", key, err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(buildLockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.WithoutCancel(ctx), buildLockTTL, nil); err != nil {
					zap.L().Warn("failed to refresh build lock", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)

		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("failed to release build lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func lockKey(alias string) string {
	return "template-build:" + alias
}
