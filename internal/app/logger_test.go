package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/testutil"
)

func TestNewLogger(t *testing.T) {
	t.Run("json at warn", func(t *testing.T) {
		buf := &testutil.SafeBuffer{}
		logger := newLogger("warn", "json", buf)
		logger.Info("hidden")
		logger.Warn("shown", "k", 1)

		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(buf.String()), &line))
		assert.Equal(t, "shown", line["msg"])
		assert.Equal(t, "flowvm", line["app"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		buf := &testutil.SafeBuffer{}
		logger := newLogger("chatty", "text", buf)
		logger.Debug("hidden")
		logger.Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "msg=shown")
	})
}
