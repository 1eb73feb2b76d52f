package integrationtests

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/app"
	"github.com/vk/flowvm/internal/observer"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/tracestore"
)

func TestFailure_SkipsOnlyDependents(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	_, err := runProgram(t, &app.Config{TraceDB: db, RunID: "failure"}, `
engine { fusion_window = 0 }

tensor "ghost" { shape = [2] }

op "bad" {
  kernel  = "relu"
  inputs  = ["ghost"]
  outputs = ["y"]
}
op "after_bad" {
  kernel  = "scale"
  inputs  = ["y"]
  outputs = ["z"]
}
op "good" {
  kernel  = "iota"
  outputs = ["g"]
  attrs   = { rows = 2 }
}
op "after_good" {
  kernel  = "scale"
  inputs  = ["g"]
  outputs = ["h"]
}
fetch = ["z", "h"]
`)
	require.ErrorIs(t, err, remat.ErrUnproduced)

	store, err := tracestore.Open(db, "failure")
	require.NoError(t, err)
	defer store.Close()
	events, err := store.Events(context.Background())
	require.NoError(t, err)

	got := make(map[string]observer.Status)
	for _, ev := range events {
		got[ev.Instruction] = ev.Status
	}
	want := map[string]observer.Status{
		"bad":        observer.StatusFailed,
		"after_bad":  observer.StatusSkipped,
		"good":       observer.StatusOK,
		"after_good": observer.StatusOK,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trace statuses (-want +got):\n%s", diff)
	}
}

func TestFailure_InvalidEngineSettings(t *testing.T) {
	_, err := runProgram(t, &app.Config{}, `
engine {
  remat { policy = "random" }
}
tensor "a" { shape = [1] }
`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown eviction policy")
}

func TestFailure_UnknownStream(t *testing.T) {
	_, err := runProgram(t, &app.Config{}, `
op "a" {
  kernel  = "iota"
  stream  = "gpu"
  outputs = ["a"]
  attrs   = { rows = 1 }
}
`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "batch rejected")
}
