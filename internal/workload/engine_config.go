package workload

import (
	"fmt"

	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/engine"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/stream"
)

// EngineConfig builds the engine configuration described by m.
func EngineConfig(m *config.Model) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	e := m.Engine
	if e == nil {
		return cfg, nil
	}

	cfg.MemoryLimit = e.MemoryLimit
	cfg.FusionWindow = e.FusionWindow
	cfg.PollInterval = e.PollInterval

	if len(e.Streams) > 0 {
		cfg.Streams = nil
		for _, s := range e.Streams {
			kind, err := stream.ParseKind(s.Kind)
			if err != nil {
				return engine.Config{}, fmt.Errorf("stream '%s': %w", s.Name, err)
			}
			cfg.Streams = append(cfg.Streams, stream.Config{
				Name:     s.Name,
				Kind:     kind,
				Device:   s.Device,
				Inflight: s.Inflight,
			})
		}
	}

	if r := e.Remat; r != nil {
		policy, err := remat.ParsePolicy(r.Policy, r.CostWeight, r.SizeWeight, r.StalenessWeight)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Remat = remat.Config{
			Enabled:       r.Enabled,
			Policy:        policy,
			EagerEviction: r.EagerEviction,
		}
	}
	return cfg, nil
}

// defaultStream is the stream used by ops and releases that name none: the
// first compute stream, else the first stream.
func defaultStream(cfg engine.Config) string {
	for _, s := range cfg.Streams {
		if s.Kind == stream.Compute {
			return s.Name
		}
	}
	if len(cfg.Streams) > 0 {
		return cfg.Streams[0].Name
	}
	return engine.DefaultConfig().Streams[0].Name
}
