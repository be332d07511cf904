package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e2b-dev/research/internal/db"
)

type memoryAPIKey struct {
	mu    sync.RWMutex
	_data db.APIKey
}

func (k *memoryAPIKey) Data() db.APIKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k._data
}

func (s *Store) CreateAPIKey(_ context.Context, params db.CreateAPIKeyParams) (db.APIKey, error) {
	key := db.APIKey{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Prefix:      params.Prefix,
		SecretHash:  params.SecretHash,
		Mask:        params.Mask,
		Description: params.Description,
		CreatedAt:   s.now(),
		ExpiresAt:   params.ExpiresAt,
	}

	if !s.apiKeys.SetIfAbsent(key.Prefix, &memoryAPIKey{_data: key}) {
		return db.APIKey{}, db.ErrInvalidTransition
	}

	return key, nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) (db.APIKey, error) {
	item, ok := s.apiKeys.Get(prefix)
	if !ok {
		return db.APIKey{}, db.ErrNotFound
	}

	return item.Data(), nil
}

func (s *Store) ListAPIKeys(_ context.Context, ownerID string) ([]db.APIKey, error) {
	keys := make([]db.APIKey, 0)
	for _, item := range s.apiKeys.Items() {
		data := item.Data()
		if data.OwnerID != ownerID {
			continue
		}

		keys = append(keys, data)
	}

	slices.SortFunc(keys, func(a, b db.APIKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID.String(), b.ID.String())
	})

	return keys, nil
}

func (s *Store) findAPIKey(id uuid.UUID, ownerID string) (*memoryAPIKey, bool) {
	for _, item := range s.apiKeys.Items() {
		data := item.Data()
		if data.ID == id && data.OwnerID == ownerID {
			return item, true
		}
	}

	return nil, false
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID string) error {
	item, ok := s.findAPIKey(id, ownerID)
	if !ok {
		return db.ErrNotFound
	}

	item.mu.Lock()
	item._data.IsRevoked = true
	item.mu.Unlock()

	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	for _, item := range s.apiKeys.Items() {
		item.mu.Lock()
		if item._data.ID == id {
			usedAt := at
			item._data.LastUsedAt = &usedAt
			item.mu.Unlock()

			return nil
		}
		item.mu.Unlock()
	}

	return db.ErrNotFound
}
