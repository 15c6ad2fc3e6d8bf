package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}
	testDir := filepath.Join(baseDir, "test-run")
	if err := os.RemoveAll(testDir); err != nil {
		t.Logf("Warning: Failed to clean test directory: %v", err)
	}

	t.Logf("Configuring FileSystemStore with baseDir: %s", testDir)

	store, err := NewFileSystemStore(testDir, testNamespace)
	require.NoError(t, err)

	testStoreImplementation(t, store)

	t.Run("FilePermissions", func(t *testing.T) {
		require.NoError(t, store.Set("identity/private", []byte("secret")))

		info, err := os.Stat(filepath.Join(testDir, testNamespace, "data", "identity", "private"+blobSuffix))
		require.NoError(t, err)
		assert.Equal(t, FilePermissions, info.Mode().Perm())
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		err := filepath.WalkDir(testDir, func(path string, d os.DirEntry, err error) error {
			require.NoError(t, err)
			assert.False(t, strings.HasPrefix(d.Name(), ".tmp-"), "leftover temp file %s", path)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		require.NoError(t, store.Close())

		reopened, err := NewFileSystemStore(testDir, testNamespace)
		require.NoError(t, err)

		data, err := reopened.Get("identity/private")
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), data)
	})
}
