package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/api"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/tests"
)

const testSecret = "testsecret1testsecret1"

type fakeKeyStore struct {
	mu       sync.Mutex
	keys     map[string]db.APIKey
	lastUsed map[uuid.UUID]int
	failGet  error
	failSet  error
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]db.APIKey{}, lastUsed: map[uuid.UUID]int{}}
}

func (s *fakeKeyStore) add(t *testing.T, owner string, mutate func(*db.APIKey)) string {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	row := db.APIKey{
		ID:         uuid.New(),
		OwnerID:    owner,
		Prefix:     key.LookupPrefix,
		SecretHash: key.SecretHash,
		Mask:       key.MaskedValue,
		CreatedAt:  time.Now(),
	}
	if mutate != nil {
		mutate(&row)
	}

	s.mu.Lock()
	s.keys[row.Prefix] = row
	s.mu.Unlock()

	return key.PrefixedRawValue
}

func (s *fakeKeyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (db.APIKey, error) {
	if s.failGet != nil {
		return db.APIKey{}, s.failGet
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[prefix]
	if !ok {
		return db.APIKey{}, db.ErrNotFound
	}

	return key, nil
}

func (s *fakeKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsed[id]++

	return s.failSet
}

func (s *fakeKeyStore) lastUsedCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastUsed[id]
}

func TestResolveAPIKey(t *testing.T) {
	store := newFakeKeyStore()
	resolver := NewResolver(store, []string{testSecret})
	ctx := t.Context()

	t.Run("valid key", func(t *testing.T) {
		raw := store.add(t, "user-a", nil)

		principal, err := resolver.ResolveAPIKey(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, Principal{UserID: "user-a", AuthMode: AuthModeAPIKey}, principal)
	})

	t.Run("future expiry is accepted", func(t *testing.T) {
		expires := time.Now().Add(time.Hour)
		raw := store.add(t, "user-a", func(k *db.APIKey) { k.ExpiresAt = &expires })

		_, err := resolver.ResolveAPIKey(ctx, raw)
		assert.NoError(t, err)
	})

	t.Run("revoked key with correct secret", func(t *testing.T) {
		raw := store.add(t, "user-a", func(k *db.APIKey) { k.IsRevoked = true })

		_, err := resolver.ResolveAPIKey(ctx, raw)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("expired key with correct secret", func(t *testing.T) {
		expired := time.Now().Add(-time.Minute)
		raw := store.add(t, "user-a", func(k *db.APIKey) { k.ExpiresAt = &expired })

		_, err := resolver.ResolveAPIKey(ctx, raw)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret for known prefix", func(t *testing.T) {
		raw := store.add(t, "user-a", nil)
		tampered := raw[:len(raw)-1] + "0"
		if tampered == raw {
			tampered = raw[:len(raw)-1] + "1"
		}

		_, err := resolver.ResolveAPIKey(ctx, tampered)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		key, err := GenerateKey()
		require.NoError(t, err)

		_, err = resolver.ResolveAPIKey(ctx, key.PrefixedRawValue)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("store failure is not unauthorized", func(t *testing.T) {
		failing := newFakeKeyStore()
		failing.failGet = errors.New("connection refused")
		key, err := GenerateKey()
		require.NoError(t, err)

		_, err = NewResolver(failing, nil).ResolveAPIKey(ctx, key.PrefixedRawValue)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("no key store", func(t *testing.T) {
		key, err := GenerateKey()
		require.NoError(t, err)

		_, err = NewResolver(nil, nil).ResolveAPIKey(ctx, key.PrefixedRawValue)
		assert.ErrorIs(t, err, ErrKeyStoreNotConfigured)
	})
}

func TestResolveAPIKeyLastUsedIsBestEffort(t *testing.T) {
	store := newFakeKeyStore()
	store.failSet = errors.New("write failed")
	resolver := NewResolver(store, nil)

	var id uuid.UUID
	raw := store.add(t, "user-a", func(k *db.APIKey) { id = k.ID })

	for range 3 {
		principal, err := resolver.ResolveAPIKey(t.Context(), raw)
		require.NoError(t, err)
		assert.Equal(t, "user-a", principal.UserID)
	}

	resolver.Close()
	assert.Equal(t, 3, store.lastUsedCount(id))
}

func TestResolve(t *testing.T) {
	store := newFakeKeyStore()
	resolver := NewResolver(store, []string{testSecret})
	raw := store.add(t, "user-key", nil)
	session := tests.SignTestToken(t, testSecret, "user-session")

	testCases := []struct {
		name    string
		headers map[string]string
		want    Principal
		wantErr bool
	}{
		{name: "no credentials", want: Anonymous},
		{name: "api key header", headers: map[string]string{"X-API-Key": raw}, want: Principal{UserID: "user-key", AuthMode: AuthModeAPIKey}},
		{name: "api key as bearer", headers: map[string]string{"Authorization": "Bearer " + raw}, want: Principal{UserID: "user-key", AuthMode: AuthModeAPIKey}},
		{name: "session bearer", headers: map[string]string{"Authorization": "Bearer " + session}, want: Principal{UserID: "user-session", AuthMode: AuthModeSession}},
		{name: "api key header wins", headers: map[string]string{"X-API-Key": raw, "Authorization": "Bearer " + session}, want: Principal{UserID: "user-key", AuthMode: AuthModeAPIKey}},
		{name: "malformed authorization", headers: map[string]string{"Authorization": "Basic abc"}, wantErr: true},
		{name: "invalid session", headers: map[string]string{"Authorization": "Bearer nope"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			principal, err := resolver.Resolve(req)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.False(t, principal.Authenticated())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, principal)
		})
	}

	resolver.Close()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := newFakeKeyStore()
	resolver := NewResolver(store, []string{testSecret})
	raw := store.add(t, "user-key", nil)
	session := tests.SignTestToken(t, testSecret, "user-session")

	router := gin.New()
	router.GET("/session", Middleware(resolver, AuthModeSession), func(c *gin.Context) {
		c.String(http.StatusOK, GetPrincipal(c).UserID)
	})
	router.GET("/dual", Middleware(resolver, AuthModeSession, AuthModeAPIKey), func(c *gin.Context) {
		c.String(http.StatusOK, GetPrincipal(c).UserID)
	})

	do := func(path, header, value string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		return w
	}

	w := do("/session", "Authorization", "Bearer "+session)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-session", w.Body.String())

	w = do("/session", "X-API-Key", raw)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("/dual", "X-API-Key", raw)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-key", w.Body.String())

	w = do("/dual", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body api.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, api.Error{Code: http.StatusUnauthorized, Message: "Authentication required"}, body)

	w = do("/dual", "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	resolver.Close()
}
