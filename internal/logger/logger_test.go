package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("写入日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "mockmail.log")
		cfg := FromConfig(config.LogConfig{Level: "debug", File: file})

		log, err := NewLogger(cfg)
		require.NoError(t, err)
		log.Info("message stored")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"message stored"`)
	})

	t.Run("无效级别回退为info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "loud"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(-1))
		assert.True(t, log.Core().Enabled(0))
	})
}

func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "reader"))
}
