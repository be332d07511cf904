package shortlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "shortlink:"
	lookupTimeout = 2 * time.Second
)

// Resolver maps short identifiers to destination URLs kept in Redis.
type Resolver struct {
	redis       redis.UniversalClient
	fallbackURL string
}

// NewResolver creates a resolver. client may be nil, every lookup then resolves to fallbackURL.
func NewResolver(client redis.UniversalClient, fallbackURL string) *Resolver {
	return &Resolver{redis: client, fallbackURL: fallbackURL}
}

// Resolve returns the stored destination for id, or the fallback when the key is absent,
// Redis is unconfigured, or the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, id string) string {
	if r.redis == nil || id == "" {
		return r.fallbackURL
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	url, err := r.redis.Get(ctx, key(id)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return r.fallbackURL
	case err != nil:
		zap.L().Warn("short link lookup failed", zap.String("short_id", id), zap.Error(err))

		return r.fallbackURL
	case url == "":
		return r.fallbackURL
	}

	return url
}

// Set stores a destination for id. A zero ttl keeps the link forever.
func (r *Resolver) Set(ctx context.Context, id string, url string, ttl time.Duration) error {
	if r.redis == nil {
		return errors.New("short links are not configured")
	}

	if err := r.redis.Set(ctx, key(id), url, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store short link: %w", err)
	}

	return nil
}

func key(id string) string {
	return keyPrefix + id
}
