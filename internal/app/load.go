package app

import (
	"fmt"

	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/ctxlog"
)

// loadProgram reads the program through the app's loader.
func (a *App) loadProgram(loader config.Loader) (*config.Model, error) {
	logger := ctxlog.FromContext(a.ctx)
	logger.Debug("Loading program...", "program_path", a.config.ProgramPath)

	m, err := loader.Load(a.ctx, a.config.ProgramPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load program: %w", err)
	}
	logger.Info("Program loaded successfully.", "tensors", len(m.Tensors), "ops", len(m.Ops), "releases", len(m.Releases))
	return m, nil
}
