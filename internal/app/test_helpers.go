package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/testutil"
)

// SetupAppTest writes program into a temporary main.hcl and creates an app
// for it with debug logging into the returned buffer.
func SetupAppTest(t *testing.T, appConfig *Config, program string, extra ...kernels.Kernel) (*App, *testutil.SafeBuffer) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "main.hcl")
	require.NoError(t, os.WriteFile(path, []byte(program), 0o644))
	appConfig.ProgramPath = path
	appConfig.LogLevel = "debug"

	logBuffer := &testutil.SafeBuffer{}
	t.Cleanup(func() {
		if os.Getenv("FLOWVM_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	testApp, err := NewApp(logBuffer, appConfig, nil, extra...)
	require.NoError(t, err)
	return testApp, logBuffer
}
