package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
)

const (
	apiKeyHeader        = "X-API-Key"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	lastUsedUpdateTimeout = 2 * time.Second
	maxLastUsedUpdates    = 10
)

var ErrKeyStoreNotConfigured = errors.New("api key store is not configured")

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (db.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Resolver struct {
	keys           KeyStore
	sessionSecrets []string

	now func() time.Time

	lastUsedSem chan struct{}
	wg          sync.WaitGroup
}

func NewResolver(keys KeyStore, sessionSecrets []string) *Resolver {
	return &Resolver{
		keys:           keys,
		sessionSecrets: sessionSecrets,
		now:            time.Now,
		lastUsedSem:    make(chan struct{}, maxLastUsedUpdates),
	}
}

// Resolve extracts the credential from the request. A request without any credential
// resolves to Anonymous with a nil error.
func (r *Resolver) Resolve(req *http.Request) (Principal, error) {
	ctx := req.Context()

	if key := strings.TrimSpace(req.Header.Get(apiKeyHeader)); key != "" {
		return r.ResolveAPIKey(ctx, key)
	}

	header := req.Header.Get(authorizationHeader)
	if header == "" {
		return Anonymous, nil
	}

	if !strings.HasPrefix(header, bearerPrefix) {
		return Anonymous, fmt.Errorf("%w: authorization header is malformed", ErrUnauthorized)
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return Anonymous, fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}

	if strings.HasPrefix(token, KeyPrefix) {
		return r.ResolveAPIKey(ctx, token)
	}

	return r.ResolveSession(token)
}

func (r *Resolver) ResolveSession(token string) (Principal, error) {
	userID, err := userIDFromSessionToken(r.sessionSecrets, token)
	if err != nil {
		return Anonymous, err
	}

	return Principal{UserID: userID, AuthMode: AuthModeSession}, nil
}

func (r *Resolver) ResolveAPIKey(ctx context.Context, raw string) (Principal, error) {
	if r.keys == nil {
		return Anonymous, ErrKeyStoreNotConfigured
	}

	prefix, secret, err := SplitKey(raw)
	if err != nil {
		return Anonymous, err
	}

	key, err := r.keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		burnVerification(secret)

		if errors.Is(err, db.ErrNotFound) {
			return Anonymous, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
		}

		return Anonymous, fmt.Errorf("failed to get api key: %w", err)
	}

	if !VerifySecret(secret, key.SecretHash) {
		return Anonymous, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}

	if key.IsRevoked {
		return Anonymous, fmt.Errorf("%w: api key is revoked", ErrUnauthorized)
	}

	now := r.now()
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return Anonymous, fmt.Errorf("%w: api key is expired", ErrUnauthorized)
	}

	r.touchLastUsed(ctx, key.ID, now)

	return Principal{UserID: key.OwnerID, AuthMode: AuthModeAPIKey}, nil
}

// touchLastUsed is best effort: it never blocks the request and is skipped under load.
func (r *Resolver) touchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) {
	select {
	case r.lastUsedSem <- struct{}{}:
	default:
		zap.L().Debug("skipping api key last used update due to high load", zap.Stringer("api_key.id", id))

		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.lastUsedSem }()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastUsedUpdateTimeout)
		defer cancel()

		if err := r.keys.UpdateAPIKeyLastUsed(bgCtx, id, at); err != nil {
			zap.L().Warn("failed to update api key last used", zap.Error(err), zap.Stringer("api_key.id", id))
		}
	}()
}

// Close waits for in-flight last used updates.
func (r *Resolver) Close() {
	r.wg.Wait()
}

func logPrincipal(p Principal) []zap.Field {
	return []zap.Field{logger.WithUserID(p.UserID), logger.WithAuthMode(string(p.AuthMode))}
}
