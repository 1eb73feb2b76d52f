package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/fsutil"
)

// Loader is the HCL implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL program loader.
func NewLoader() *Loader {
	return &Loader{}
}

var _ config.Loader = (*Loader)(nil)

// Load parses every .hcl file under paths, in lexical order, into one model.
// Ops and releases keep their relative order across all files.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := fsutil.FindFiles(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	model := config.NewModel()
	parser := hclparse.NewParser()
	order := 0
	engineSeen := ""

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		if root.Engine != nil {
			if engineSeen != "" {
				return nil, fmt.Errorf("%s: engine block already defined in %s", file, engineSeen)
			}
			engineSeen = file
			if err := l.translateEngine(ctx, root.Engine, model.Engine); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}

		ranges := blockRanges(hclFile.Body)
		for i, t := range root.Tensors {
			model.Tensors = append(model.Tensors, &config.Tensor{
				Name:   t.Name,
				Shape:  t.Shape,
				Retain: t.Retain,
				Source: ranges.source("tensor", i, file),
			})
		}

		// Ops and releases decode into separate slices; the syntax body
		// gives back their interleaving.
		seq := ranges.sequence()
		if seq == nil {
			for range root.Ops {
				seq = append(seq, "op")
			}
			for range root.Releases {
				seq = append(seq, "release")
			}
		}
		var nextOp, nextRelease int
		for _, kind := range seq {
			switch kind {
			case "op":
				op, err := l.translateOp(ctx, root.Ops[nextOp], order, ranges.source("op", nextOp, file))
				if err != nil {
					return nil, err
				}
				model.Ops = append(model.Ops, op)
				nextOp++
			case "release":
				r := root.Releases[nextRelease]
				model.Releases = append(model.Releases, &config.Release{
					Tensor: r.Tensor,
					Stream: r.Stream,
					Order:  order,
					Source: ranges.source("release", nextRelease, file),
				})
				nextRelease++
			}
			order++
		}

		model.Fetch = append(model.Fetch, root.Fetch...)
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.", "tensors", len(model.Tensors), "ops", len(model.Ops), "releases", len(model.Releases), "fetch", len(model.Fetch))
	return model, nil
}

// blockIndex records block positions of a native-syntax body.
type blockIndex struct {
	blocks hclsyntax.Blocks
}

func blockRanges(body hcl.Body) blockIndex {
	if sb, ok := body.(*hclsyntax.Body); ok {
		return blockIndex{blocks: sb.Blocks}
	}
	return blockIndex{}
}

// source returns the position of the i-th block of the given type.
func (b blockIndex) source(blockType string, i int, file string) string {
	n := 0
	for _, blk := range b.blocks {
		if blk.Type != blockType {
			continue
		}
		if n == i {
			return source(blk.DefRange())
		}
		n++
	}
	return file
}

// sequence lists op and release block types in source order.
func (b blockIndex) sequence() []string {
	var seq []string
	for _, blk := range b.blocks {
		if blk.Type == "op" || blk.Type == "release" {
			seq = append(seq, blk.Type)
		}
	}
	return seq
}
