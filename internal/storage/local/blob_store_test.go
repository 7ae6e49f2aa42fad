package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/storage"
	"github.com/JakeFAU/marketpulse/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	key := storage.ObjectKey("pages", "comp-1", "abc", time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	uri, err := store.PutObject(ctx, key, "text/html", strings.NewReader("<html>menu</html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, key), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	body, err := os.ReadFile(filepath.Join(dir, key))
	require.NoError(t, err)
	require.Equal(t, "<html>menu</html>", string(body))

	_, err = store.PutObject(ctx, "", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
