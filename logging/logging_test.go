package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.log")

	logger, err := New(config.LogConfig{Level: "info", File: path}, "analytics")
	require.NoError(t, err)

	logger.Info("risk calculated")
	logger.Debug("filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"message":"risk calculated"`)
	assert.Contains(t, content, `"service":"analytics"`)
	assert.False(t, strings.Contains(content, "filtered out"), "debug entry should be dropped at info level")
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, "analytics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
