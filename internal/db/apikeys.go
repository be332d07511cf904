package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const apiKeyColumns = `id, owner_id, prefix, secret_hash, mask, description, created_at, last_used_at, expires_at, is_revoked`

const (
	insertAPIKeySQL = `INSERT INTO api_keys (id, owner_id, prefix, secret_hash, mask, description, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + apiKeyColumns

	getAPIKeyByPrefixSQL = `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE prefix = $1`

	listAPIKeysSQL = `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE owner_id = $1 ORDER BY created_at, id`

	revokeAPIKeySQL = `UPDATE api_keys SET is_revoked = true WHERE id = $1 AND owner_id = $2`

	updateAPIKeyLastUsedSQL = `UPDATE api_keys SET last_used_at = GREATEST($2, last_used_at) WHERE id = $1`
)

func scanAPIKey(row pgx.Row) (APIKey, error) {
	var k APIKey

	err := row.Scan(&k.ID, &k.OwnerID, &k.Prefix, &k.SecretHash, &k.Mask, &k.Description, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.IsRevoked)

	return k, err
}

func (db *Client) CreateAPIKey(ctx context.Context, params CreateAPIKeyParams) (APIKey, error) {
	key, err := scanAPIKey(db.conn.QueryRow(ctx, insertAPIKeySQL,
		uuid.New(), params.OwnerID, params.Prefix, params.SecretHash, params.Mask, params.Description, params.ExpiresAt,
	))
	if err != nil {
		return APIKey{}, fmt.Errorf("failed to insert api key: %w", err)
	}

	return key, nil
}

func (db *Client) GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKey, error) {
	key, err := scanAPIKey(db.conn.QueryRow(ctx, getAPIKeyByPrefixSQL, prefix))
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}

	if err != nil {
		return APIKey{}, fmt.Errorf("failed to get api key: %w", err)
	}

	return key, nil
}

func (db *Client) ListAPIKeys(ctx context.Context, ownerID string) ([]APIKey, error) {
	rows, err := db.conn.Query(ctx, listAPIKeysSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (APIKey, error) {
		return scanAPIKey(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan api keys: %w", err)
	}

	return keys, nil
}

func (db *Client) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := db.conn.Exec(ctx, revokeAPIKeySQL, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *Client) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.conn.Exec(ctx, updateAPIKeyLastUsedSQL, id, at)
	if err != nil {
		return fmt.Errorf("failed to update api key last used: %w", err)
	}

	return nil
}
