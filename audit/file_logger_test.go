package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled:   true,
		Namespace: "alice",
		Type:      FileAuditType,
		Options:   map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestNewLogger(t *testing.T) {
	t.Run("DisabledIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("NilIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("FileRequiresPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "database"})
		assert.Error(t, err)
	})
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log("IDENTITY_CREATE_COMPLETED", true, map[string]interface{}{
		"request_id":  "req-1",
		"fingerprint": "abc123",
	}))
	require.NoError(t, logger.Log("MESSAGE_DECRYPT_FAILED", false, map[string]interface{}{
		"request_id": "req-2",
		"error":      "replay detected",
		"message_id": "m-1",
	}))
	require.NoError(t, logger.Log("MESSAGE_ENCRYPT_COMPLETED", true, nil))

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TotalCount)
		assert.Len(t, result.Events, 3)
		assert.Equal(t, "alice", result.Events[0].Namespace)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "replay detected", result.Events[0].Error)
		assert.Equal(t, "m-1", result.Events[0].MessageID)
		assert.Equal(t, "req-2", result.Events[0].RequestID)
	})

	t.Run("ByFingerprint", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Fingerprint: "abc123"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "IDENTITY_CREATE_COMPLETED", result.Events[0].Action)
	})

	t.Run("KeyMaterialOnly", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{KeyMaterialOnly: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "IDENTITY_CREATE_COMPLETED", result.Events[0].Action)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("FromCache", func(t *testing.T) {
		since := time.Now().UTC().Add(-time.Minute)
		result, err := logger.Query(QueryOptions{Since: &since})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
	})
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	logger, path := newTestFileLogger(t)
	require.NoError(t, logger.Log("KEY_ROTATE_COMPLETED", true, nil))
	require.NoError(t, logger.Close())

	// writing after Close reopens the file
	require.NoError(t, logger.Log("KEY_ROTATE_COMPLETED", true, nil))

	reopened, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{Action: "KEY_ROTATE_COMPLETED"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}
