package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/engine"
	"github.com/vk/flowvm/internal/workload"
)

// Run executes the loaded program on a fresh engine and reports the fetched
// tensors.
func (a *App) Run(ctx context.Context) (*workload.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()
	defer func() { _ = a.closeHealthCheckServer() }()

	cfg, err := workload.EngineConfig(a.model)
	if err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	obs, store, err := a.observers(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ctx, cfg, obs...)
	if err != nil {
		_ = obs.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = obs.Close()
		return nil, err
	}
	a.setEngine(eng)

	res, runErr := a.execute(ctx, eng)
	if store != nil {
		if summary, err := store.Summary(ctx); err == nil {
			a.logger.Info("🧾 Trace recorded.", "path", a.config.TraceDB, "summary", summary)
		} else {
			a.logger.Warn("Failed to summarize trace.", "error", err)
		}
	}

	a.setEngine(nil)
	stopErr := eng.Stop()
	if err := errors.Join(runErr, stopErr); err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("🏁 Execution finished.", "outputs", len(res.Outputs))

	if err := a.writeResult(res); err != nil {
		return nil, err
	}
	a.logger.Debug("App.Run method finished.")
	return res, nil
}

func (a *App) execute(ctx context.Context, eng *engine.Engine) (*workload.Result, error) {
	w, err := workload.Build(ctx, eng, a.model, a.kernels)
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}
	if len(w.Instructions()) == 0 {
		a.logger.Warn("Program has no ops, execution not required.")
	}

	a.logger.Info("🚀 Starting program execution...", "instructions", len(w.Instructions()))
	res, err := w.Run(ctx)
	if err != nil {
		return nil, err
	}

	if stats, err := eng.Stats(ctx); err == nil {
		a.logger.Info("📊 Engine statistics.",
			"inserted", stats.Counters.Inserted,
			"fused", stats.Counters.Fused,
			"failed", stats.Counters.Failed,
			"peak_bytes", stats.Memory.Peak,
			"evictions", stats.Pool.Stats.Evictions,
			"recomputes", stats.Pool.Stats.Recomputes,
		)
	}
	return res, nil
}

// writeResult stores the fetched tensors at OutputPath, or logs them.
func (a *App) writeResult(res *workload.Result) error {
	if a.config.OutputPath == "" {
		for name, out := range res.Outputs {
			a.logger.Info("📦 Fetched tensor.", "tensor", name, "shape", out.Shape, "data", out.Data)
		}
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(a.config.OutputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	a.logger.Info("📦 Result written.", "path", a.config.OutputPath)
	return nil
}
