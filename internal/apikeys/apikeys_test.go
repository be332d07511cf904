package apikeys

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db/memory"
)

func TestValidateDescription(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		description string
		valid       bool
	}{
		{"My API Key", true},
		{"Production-Server", true},
		{"test_key_123", true},
		{"", true},
		{strings.Repeat("a", 255), true},
		{strings.Repeat("a", 256), false},
		{"Key!", false},
		{"Key#123", false},
		{"Key$money", false},
		{"line\nbreak", false},
	}

	for _, tc := range testCases {
		name := tc.description
		if len(name) > 20 {
			name = name[:20] + "..."
		}

		t.Run(name, func(t *testing.T) {
			err := ValidateDescription(tc.description)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDescription)
			}
		})
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := memory.New()
	service := NewService(store)
	resolver := auth.NewResolver(store, nil)
	defer resolver.Close()

	owner := auth.Principal{UserID: "user-a", AuthMode: auth.AuthModeSession}
	other := auth.Principal{UserID: "user-b", AuthMode: auth.AuthModeSession}

	_, err := service.Create(ctx, owner, "Key!", nil)
	require.ErrorIs(t, err, ErrInvalidDescription)

	past := time.Now().Add(-time.Hour)
	_, err = service.Create(ctx, owner, "expired", &past)
	require.ErrorIs(t, err, ErrInvalidExpiry)

	created, err := service.Create(ctx, owner, "My API Key", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.RawKey, auth.KeyPrefix))
	assert.NotContains(t, created.Mask, created.RawKey[len(auth.KeyPrefix):len(created.RawKey)-4])

	principal, err := resolver.ResolveAPIKey(ctx, created.RawKey)
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{UserID: "user-a", AuthMode: auth.AuthModeAPIKey}, principal)

	keys, err := service.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, created.ID, keys[0].ID)

	keys, err = service.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.ErrorIs(t, service.Revoke(ctx, other, created.ID), ErrNotFound)
	require.ErrorIs(t, service.Revoke(ctx, owner, uuid.New()), ErrNotFound)
	require.NoError(t, service.Revoke(ctx, owner, created.ID))

	_, err = resolver.ResolveAPIKey(ctx, created.RawKey)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	keys, err = service.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].IsRevoked)
}
