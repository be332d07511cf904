package db_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/db"
	"github.com/e2b-dev/research/internal/db/testutils"
)

func TestProjectLifecycle(t *testing.T) {
	client := testutils.SetupDatabase(t)
	ctx := t.Context()

	project, err := client.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a", Title: "Pendulum", Description: "simulate a pendulum"})
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusQueued, project.Status)

	_, err = client.GetProject(ctx, project.ID, "user-b")
	require.ErrorIs(t, err, db.ErrNotFound)

	err = client.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "assistant", Content: "too early"})
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	running, err := client.MarkRunning(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusRunning, running.Status)
	assert.False(t, running.UpdatedAt.Before(project.UpdatedAt))

	_, err = client.MarkRunning(ctx, project.ID, "user-a")
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	_, err = client.MarkRunning(ctx, project.ID, "user-b")
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, client.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "user", Content: "hi"}))
	require.NoError(t, client.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "assistant", Content: "hello"}))

	complete, err := client.CompleteProject(ctx, project.ID, "user-a", []byte(`{"code":"print(1)"}`), []byte(`{"artifact":"user-a/out.pdf"}`))
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusComplete, complete.Status)
	assert.False(t, complete.UpdatedAt.Before(running.UpdatedAt))

	_, err = client.FailProject(ctx, project.ID, "user-a", "late")
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	got, err := client.GetProject(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusComplete, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, []db.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, got.Messages)

	var result map[string]string
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, "user-a/out.pdf", result["artifact"])
}

func TestFailStaleProjects(t *testing.T) {
	client := testutils.SetupDatabase(t)
	ctx := t.Context()

	project, err := client.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = client.MarkRunning(ctx, project.ID, "user-a")
	require.NoError(t, err)

	ids, err := client.FailStaleProjects(ctx, time.Now().Add(-time.Hour), "run interrupted")
	require.NoError(t, err)
	assert.Empty(t, ids)

	queued, err := client.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	ids, err = client.FailStaleProjects(ctx, time.Now().Add(time.Hour), "run interrupted")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{project.ID, queued.ID}, ids)

	got, err := client.GetProject(ctx, queued.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusError, got.Status)

	got, err = client.GetProject(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "run interrupted", *got.ErrorMessage)
}

func TestAPIKeys(t *testing.T) {
	client := testutils.SetupDatabase(t)
	ctx := t.Context()

	key, err := client.CreateAPIKey(ctx, db.CreateAPIKeyParams{
		OwnerID:     "user-a",
		Prefix:      "rk_0123456789abc",
		SecretHash:  "$argon2id$c2FsdA$aGFzaA",
		Mask:        "rk_****abcd",
		Description: "My API Key",
	})
	require.NoError(t, err)

	_, err = client.CreateAPIKey(ctx, db.CreateAPIKeyParams{OwnerID: "user-a", Prefix: "rk_other", SecretHash: "x", Mask: "x", Description: "Key!"})
	require.Error(t, err)

	got, err := client.GetAPIKeyByPrefix(ctx, "rk_0123456789abc")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Nil(t, got.LastUsedAt)

	usedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, client.UpdateAPIKeyLastUsed(ctx, key.ID, usedAt))
	require.NoError(t, client.UpdateAPIKeyLastUsed(ctx, key.ID, usedAt.Add(-time.Hour)))

	got, err = client.GetAPIKeyByPrefix(ctx, "rk_0123456789abc")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, usedAt.Equal(*got.LastUsedAt))

	require.ErrorIs(t, client.RevokeAPIKey(ctx, key.ID, "user-b"), db.ErrNotFound)
	require.NoError(t, client.RevokeAPIKey(ctx, key.ID, "user-a"))

	keys, err := client.ListAPIKeys(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].IsRevoked)

	_, err = client.GetAPIKeyByPrefix(ctx, "rk_missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}
