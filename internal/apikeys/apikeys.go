package apikeys

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/auth"
	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/logger"
)

const maxDescriptionLength = 255

var descriptionPattern = regexp.MustCompile(`^[a-zA-Z0-9_ -]*$`)

var (
	ErrInvalidDescription = errors.New("invalid api key description")
	ErrInvalidExpiry      = errors.New("api key expiry must be in the future")
	ErrNotFound           = errors.New("api key not found")
)

type Store interface {
	CreateAPIKey(ctx context.Context, params db.CreateAPIKeyParams) (db.APIKey, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]db.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error
}

// CreatedKey carries the raw key, which is returned to the caller exactly once.
type CreatedKey struct {
	db.APIKey
	RawKey string
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func ValidateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidDescription, maxDescriptionLength)
	}

	if !descriptionPattern.MatchString(description) {
		return fmt.Errorf("%w: only letters, numbers, spaces, hyphens and underscores are allowed", ErrInvalidDescription)
	}

	return nil
}

func (s *Service) Create(ctx context.Context, principal auth.Principal, description string, expiresAt *time.Time) (CreatedKey, error) {
	if err := ValidateDescription(description); err != nil {
		return CreatedKey{}, err
	}

	if expiresAt != nil && !expiresAt.After(s.now()) {
		return CreatedKey{}, ErrInvalidExpiry
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return CreatedKey{}, fmt.Errorf("error when generating api key: %w", err)
	}

	row, err := s.store.CreateAPIKey(ctx, db.CreateAPIKeyParams{
		OwnerID:     principal.UserID,
		Prefix:      key.LookupPrefix,
		SecretHash:  key.SecretHash,
		Mask:        key.MaskedValue,
		Description: description,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return CreatedKey{}, fmt.Errorf("error when creating api key: %w", err)
	}

	zap.L().Info("api key created", logger.WithUserID(principal.UserID), zap.Stringer("api_key.id", row.ID))

	return CreatedKey{APIKey: row, RawKey: key.PrefixedRawValue}, nil
}

func (s *Service) List(ctx context.Context, principal auth.Principal) ([]db.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("error when listing api keys: %w", err)
	}

	return keys, nil
}

// Revoke marks the key revoked. Keys are never deleted so the audit trail survives.
func (s *Service) Revoke(ctx context.Context, principal auth.Principal, id uuid.UUID) error {
	err := s.store.RevokeAPIKey(ctx, id, principal.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("error when revoking api key: %w", err)
	}

	zap.L().Info("api key revoked", logger.WithUserID(principal.UserID), zap.Stringer("api_key.id", id))

	return nil
}
