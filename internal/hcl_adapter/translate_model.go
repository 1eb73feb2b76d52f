// This file translates the decoded HCL blocks into the format-agnostic
// configuration model defined in the config package.

package hcl_adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/ctxlog"
)

// translateEngine applies an `engine` block on top of the model defaults.
func (l *Loader) translateEngine(ctx context.Context, b *engineBlock, into *config.Engine) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Translating HCL engine block.", "streams", len(b.Streams))

	if err := decodeIfDefined(ctx, b.MemoryLimit, "memory_limit", &into.MemoryLimit); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if into.MemoryLimit < 0 {
		return fmt.Errorf("engine: memory_limit must not be negative, got %d", into.MemoryLimit)
	}
	if err := decodeIfDefined(ctx, b.FusionWindow, "fusion_window", &into.FusionWindow); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if b.PollInterval != "" {
		d, err := time.ParseDuration(b.PollInterval)
		if err != nil {
			return fmt.Errorf("engine: invalid poll_interval: %w", err)
		}
		into.PollInterval = d
	}

	for _, s := range b.Streams {
		kind := s.Kind
		if kind == "" {
			kind = "compute"
		}
		into.Streams = append(into.Streams, &config.Stream{
			Name:     s.Name,
			Kind:     kind,
			Device:   s.Device,
			Inflight: s.Inflight,
		})
	}

	if r := b.Remat; r != nil {
		if err := decodeIfDefined(ctx, r.Enabled, "enabled", &into.Remat.Enabled); err != nil {
			return fmt.Errorf("engine.remat: %w", err)
		}
		if r.Policy != "" {
			into.Remat.Policy = r.Policy
		}
		into.Remat.CostWeight = r.CostWeight
		into.Remat.SizeWeight = r.SizeWeight
		into.Remat.StalenessWeight = r.StalenessWeight
		into.Remat.EagerEviction = r.EagerEviction
	}
	return nil
}

// translateOp converts an `op` block. order is its position in the program.
func (l *Loader) translateOp(ctx context.Context, b *opBlock, order int, src string) (*config.Op, error) {
	ctx = ctxlog.With(ctx, "op", b.Name)
	ctxlog.FromContext(ctx).Debug("Translating HCL op.", "kernel", b.Kernel, "order", order)

	attrs, err := attrsFromExpr(ctx, b.Attrs, b.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return &config.Op{
		Name:    b.Name,
		Kernel:  b.Kernel,
		Stream:  b.Stream,
		Inputs:  b.Inputs,
		Outputs: b.Outputs,
		Attrs:   attrs,
		Order:   order,
		Source:  src,
	}, nil
}
