package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/vk/flowvm/internal/ctxlog"
)

// Logger returns a debug-level text logger writing into a SafeBuffer. The
// captured output is echoed to the test log when FLOWVM_TEST_LOGS=true.
func Logger(t *testing.T) (*slog.Logger, *SafeBuffer) {
	t.Helper()
	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	t.Cleanup(func() {
		if os.Getenv("FLOWVM_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String())
		}
	})
	return logger, buf
}

// Context returns a background context carrying a test logger.
func Context(t *testing.T) (context.Context, *SafeBuffer) {
	t.Helper()
	logger, buf := Logger(t)
	return ctxlog.WithLogger(context.Background(), logger), buf
}
