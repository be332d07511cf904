package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/api"
	"github.com/e2b-dev/research/internal/auth"
)

const rateLimitKeyPrefix = "ratelimit:"

type RateLimiter interface {
	// Allow consumes one request for key and returns how long to wait when it is over the limit.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

func NewRedisRateLimiter(client redis.UniversalClient, perMinute int) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := r.limiter.Allow(ctx, rateLimitKeyPrefix+key, r.limit)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return res.Allowed > 0, res.RetryAfter, nil
}

// RateLimit limits requests per authenticated user. It has to run after auth.Middleware.
// Limiter failures let the request through.
func RateLimit(limiter RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.GetPrincipal(c)
		if !principal.Authenticated() {
			c.Next()

			return
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), c.FullPath()+":"+principal.UserID)
		if err != nil {
			zap.L().Warn("rate limiter unavailable", zap.Error(err))
			c.Next()

			return
		}

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.Error{
				Code:    http.StatusTooManyRequests,
				Message: "Too many requests, try again later",
			})

			return
		}

		c.Next()
	}
}
