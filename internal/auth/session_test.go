package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/tests"
)

func TestGetJWTClaims(t *testing.T) {
	secret1 := "testsecret1testsecret1"
	secret2 := "testsecret2testsecret2"

	token1 := tests.SignTestToken(t, secret1, "1")
	token2 := tests.SignTestToken(t, secret2, "2")
	tokenShort := tests.SignTestToken(t, "short", "3")

	t.Run("valid token for first secret", func(t *testing.T) {
		claims, err := getJWTClaims([]string{secret1, secret2}, token1)
		require.NoError(t, err)
		assert.Equal(t, "1", claims.Subject)
	})

	t.Run("valid token for rotated secret", func(t *testing.T) {
		claims, err := getJWTClaims([]string{secret1, secret2}, token2)
		require.NoError(t, err)
		assert.Equal(t, "2", claims.Subject)
	})

	t.Run("invalid token secret combination", func(t *testing.T) {
		claims, err := getJWTClaims([]string{secret1}, token2)
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("no secrets", func(t *testing.T) {
		claims, err := getJWTClaims([]string{}, token1)
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("short secret is ignored", func(t *testing.T) {
		claims, err := getJWTClaims([]string{"short"}, tokenShort)
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := tests.SignTestTokenWithExpiry(t, secret1, "1", time.Now().Add(-time.Minute))

		claims, err := getJWTClaims([]string{secret1}, expired)
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("invalid token for all secrets", func(t *testing.T) {
		claims, err := getJWTClaims([]string{secret1, secret2}, "invalid")
		assert.Error(t, err)
		assert.Nil(t, claims)
	})
}

func TestResolveSession(t *testing.T) {
	secret := "testsecret1testsecret1"
	resolver := NewResolver(nil, []string{secret})

	principal, err := resolver.ResolveSession(tests.SignTestToken(t, secret, "user-a"))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-a", AuthMode: AuthModeSession}, principal)

	_, err = resolver.ResolveSession(tests.SignTestToken(t, secret, ""))
	assert.ErrorIs(t, err, ErrUnauthorized)
}
