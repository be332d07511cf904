package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/e2b-dev/research/internal/apikeys"
	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/utils"
)

type NewAPIKey struct {
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	Description string     `json:"description"`
	Mask        string     `json:"mask"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	IsRevoked   bool       `json:"isRevoked"`
}

type CreatedAPIKey struct {
	APIKey

	// Key is only ever returned here.
	Key string `json:"key"`
}

var errAPIKeysNotConfigured = errors.New("api key store is not configured")

func (a *APIStore) PostAPIKeys(c *gin.Context) {
	ctx := c.Request.Context()

	if a.apiKeys == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when creating API key", errAPIKeysNotConfigured)

		return
	}

	body, err := utils.ParseBody[NewAPIKey](ctx, c)
	if err != nil {
		a.sendAPIStoreError(c, http.StatusBadRequest, fmt.Sprintf("Error when parsing request: %s", err), err)

		return
	}

	created, err := a.apiKeys.Create(ctx, auth.GetPrincipal(c), body.Description, body.ExpiresAt)
	switch {
	case errors.Is(err, apikeys.ErrInvalidDescription), errors.Is(err, apikeys.ErrInvalidExpiry):
		a.sendAPIStoreError(c, http.StatusBadRequest, err.Error(), err)

		return
	case err != nil:
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when creating API key", err)

		return
	}

	c.JSON(http.StatusCreated, CreatedAPIKey{APIKey: toAPIKey(created.APIKey), Key: created.RawKey})
}

func (a *APIStore) GetAPIKeys(c *gin.Context) {
	ctx := c.Request.Context()

	if a.apiKeys == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when listing API keys", errAPIKeysNotConfigured)

		return
	}

	keys, err := a.apiKeys.List(ctx, auth.GetPrincipal(c))
	if err != nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when listing API keys", err)

		return
	}

	result := make([]APIKey, len(keys))
	for i, key := range keys {
		result[i] = toAPIKey(key)
	}

	c.JSON(http.StatusOK, result)
}

func (a *APIStore) DeleteAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	if a.apiKeys == nil {
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when revoking API key", errAPIKeysNotConfigured)

		return
	}

	id, err := uuid.Parse(c.Param("apiKeyID"))
	if err != nil {
		a.sendAPIStoreError(c, http.StatusBadRequest, fmt.Sprintf("Error when parsing API key ID: %s", err), err)

		return
	}

	err = a.apiKeys.Revoke(ctx, auth.GetPrincipal(c), id)
	switch {
	case errors.Is(err, apikeys.ErrNotFound):
		a.sendAPIStoreError(c, http.StatusNotFound, "API key not found", err)

		return
	case err != nil:
		a.sendAPIStoreError(c, http.StatusInternalServerError, "Error when revoking API key", err)

		return
	}

	c.Status(http.StatusNoContent)
}

func toAPIKey(key db.APIKey) APIKey {
	return APIKey{
		ID:          key.ID,
		Description: key.Description,
		Mask:        key.Mask,
		CreatedAt:   key.CreatedAt,
		LastUsedAt:  key.LastUsedAt,
		ExpiresAt:   key.ExpiresAt,
		IsRevoked:   key.IsRevoked,
	}
}
