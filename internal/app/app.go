package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/engine"
	"github.com/vk/flowvm/internal/hcl_adapter"
	"github.com/vk/flowvm/internal/kernels"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	ctx        context.Context
	logger     *slog.Logger
	config     *Config
	model      *config.Model
	kernels    *kernels.Registry
	httpServer *http.Server

	mu     sync.Mutex
	engine *engine.Engine
}

// NewApp is the constructor for the main application. It builds an isolated
// logger, loads the program through loader (HCL when nil) and registers the
// builtin kernels plus extra ones.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, extra ...kernels.Kernel) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	a := &App{
		outW:   outW,
		ctx:    ctx,
		logger: logger,
		config: appConfig,
	}

	reg, err := newKernelRegistry(extra...)
	if err != nil {
		return nil, fmt.Errorf("failed to register kernels: %w", err)
	}
	a.kernels = reg
	logger.Debug("Kernels registered.", "kernels", reg.Names())

	if loader == nil {
		loader = hcl_adapter.NewLoader()
	}
	if a.model, err = a.loadProgram(loader); err != nil {
		return nil, err
	}
	return a, nil
}

// Model returns the loaded program. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}

func (a *App) setEngine(e *engine.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engine = e
}

func (a *App) currentEngine() *engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}
