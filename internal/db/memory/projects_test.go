package memory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/research/internal/db"
)

func TestProjectTransitions(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := New()

	project, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusQueued, project.Status)
	assert.Empty(t, project.Messages)

	err = store.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "assistant", Content: "early"})
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	_, err = store.CompleteProject(ctx, project.ID, "user-a", []byte(`{}`), []byte(`{}`))
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	running, err := store.MarkRunning(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusRunning, running.Status)

	_, err = store.MarkRunning(ctx, project.ID, "user-a")
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	require.NoError(t, store.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "user", Content: "hi"}))
	require.NoError(t, store.AppendMessage(ctx, project.ID, "user-a", db.Message{Role: "assistant", Content: "hello"}))

	complete, err := store.CompleteProject(ctx, project.ID, "user-a", []byte(`{"code":"x"}`), []byte(`{"url":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusComplete, complete.Status)
	assert.Nil(t, complete.ErrorMessage)
	assert.Equal(t, []db.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, complete.Messages)
	assert.False(t, complete.UpdatedAt.Before(running.UpdatedAt))

	_, err = store.FailProject(ctx, project.ID, "user-a", "late failure")
	require.ErrorIs(t, err, db.ErrInvalidTransition)

	got, err := store.GetProject(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusComplete, got.Status)
}

func TestProjectOwnershipIsolation(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := New()

	project, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	_, err = store.GetProject(ctx, project.ID, "user-b")
	require.ErrorIs(t, err, db.ErrNotFound)

	_, err = store.MarkRunning(ctx, project.ID, "user-b")
	require.ErrorIs(t, err, db.ErrNotFound)

	_, err = store.FailProject(ctx, project.ID, "user-b", "x")
	require.ErrorIs(t, err, db.ErrNotFound)

	_, err = store.GetProject(ctx, uuid.New(), "user-a")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := New()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	project, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(-time.Hour) }

	running, err := store.MarkRunning(ctx, project.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, base, running.UpdatedAt)
}

func TestConcurrentMarkRunningHasOneWinner(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := New()

	project, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if _, err := store.MarkRunning(ctx, project.ID, "user-a"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestFailStaleProjects(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := New()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	stale, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = store.MarkRunning(ctx, stale.ID, "user-a")
	require.NoError(t, err)

	queued, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(time.Hour) }

	fresh, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)
	_, err = store.MarkRunning(ctx, fresh.ID, "user-a")
	require.NoError(t, err)

	freshQueued, err := store.CreateProject(ctx, db.CreateProjectParams{OwnerID: "user-a"})
	require.NoError(t, err)

	failed, err := store.FailStaleProjects(ctx, base.Add(30*time.Minute), "run interrupted")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{stale.ID, queued.ID}, failed)

	got, err := store.GetProject(ctx, stale.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "run interrupted", *got.ErrorMessage)

	got, err = store.GetProject(ctx, queued.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusError, got.Status)

	got, err = store.GetProject(ctx, fresh.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusRunning, got.Status)

	got, err = store.GetProject(ctx, freshQueued.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusQueued, got.Status)
}
