package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	base := t.TempDir()
	store, err := NewFS(base)
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "user-a/report.pdf")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, "user-a/report.pdf")
	require.ErrorIs(t, err, ErrObjectNotExist)

	require.NoError(t, store.Put(ctx, "user-a/report.pdf", []byte("%PDF-1.4")))

	data, err := store.Get(ctx, "user-a/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	exists, err = store.Exists(ctx, "user-a/report.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = os.Stat(filepath.Join(base, "user-a", "report.pdf"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "user-a/report.pdf"))
	require.ErrorIs(t, store.Delete(ctx, "user-a/report.pdf"), ErrObjectNotExist)
}

func TestFSStoreDirectoryIsNotAnObject(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "user-a/nested/file.txt", []byte("x")))

	_, err = store.Get(ctx, "user-a/nested")
	require.ErrorIs(t, err, ErrObjectNotExist)

	exists, err := store.Exists(ctx, "user-a/nested")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStoreRefusesEscape(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("s"), 0o644))

	store, err := NewFS(filepath.Join(parent, "root"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "../secret.txt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrObjectNotExist)

	require.Error(t, store.Put(ctx, "../../escape.txt", []byte("x")))
}

func TestNewUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(t.Context(), "Nope", "", "")
	require.Error(t, err)

	_, err = New(t.Context(), GCPStorageProvider, "", "")
	require.Error(t, err)

	store, err := New(t.Context(), LocalStorageProvider, "", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, store.String(), "Local file storage")
}
