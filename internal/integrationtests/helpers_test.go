package integrationtests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/app"
	"github.com/vk/flowvm/internal/workload"
)

// runProgram runs one HCL program end to end.
func runProgram(t *testing.T, cfg *app.Config, program string) (*workload.Result, error) {
	t.Helper()
	a, _ := app.SetupAppTest(t, cfg, program)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Run(ctx)
}

func mustRun(t *testing.T, program string) *workload.Result {
	t.Helper()
	res, err := runProgram(t, &app.Config{}, program)
	require.NoError(t, err)
	return res
}
