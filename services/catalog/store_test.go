package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFile(t *testing.T) {
	c, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "2024.06.1", c.Version())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	s, err := NewStore(path, zap.NewNop())
	require.NoError(t, err)
	first := s.Current()
	assert.Equal(t, "7", first.Version())
	assert.Equal(t, uint64(1), s.Generation())

	t.Run("new file is published", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testCatalog, `version: "7"`, `version: "8"`, 1)), 0o600))

		c, err := s.Reload(ctx)
		require.NoError(t, err)
		assert.Equal(t, "8", c.Version())
		assert.Same(t, c, s.Current())
		assert.Equal(t, uint64(2), s.Generation())
		assert.Equal(t, "7", first.Version(), "old snapshots are untouched")
	})

	t.Run("broken file keeps the current snapshot", func(t *testing.T) {
		before := s.Current()
		require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o600))

		_, err := s.Reload(ctx)
		require.Error(t, err)
		assert.Same(t, before, s.Current())
		assert.Equal(t, uint64(2), s.Generation())
	})

	t.Run("fetch does not publish", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testCatalog, `version: "7"`, `version: "9"`, 1)), 0o600))
		before := s.Current()

		c, err := s.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, "9", c.Version())
		assert.Same(t, before, s.Current())

		s.Publish(c)
		assert.Same(t, c, s.Current())
		assert.Equal(t, uint64(3), s.Generation())
	})
}

func TestNewStore_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"\"\n"), 0o600))

	_, err := NewStore(path, zap.NewNop())
	assert.Error(t, err)
}

func TestStaticStore(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	s := NewStaticStore(c, zap.NewNop())

	got, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, uint64(2), s.Generation())
}
