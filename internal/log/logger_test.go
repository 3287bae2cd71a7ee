package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("default level", func(t *testing.T) {
		logger, err := New("", "")
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(0))
		assert.False(t, logger.Core().Enabled(-1))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New("chatty", "")
		assert.Error(t, err)
	})

	t.Run("writes to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "igdnat.log")
		logger, err := New("debug", path)
		require.NoError(t, err)
		logger.Info("hello file")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello file")
	})

	t.Run("unwritable file falls back to stdout", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "igdnat.log")
		logger, err := New("info", path)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})
}
