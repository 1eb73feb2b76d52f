package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/vk/flowvm/internal/ctxlog"
)

// isExprDefined checks if an HCL expression was actually present in the source
// code. The HCL decoder populates omitted optional fields with non-nil,
// zero-width expression objects, so a nil check is insufficient.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	logger := ctxlog.FromContext(ctx)

	if expr == nil {
		logger.Debug("Expression is nil, considering it undefined.", "attribute", attrName)
		return false
	}

	// A real attribute occupies bytes in the file; a placeholder for an
	// omitted one has a zero-width range.
	exprRange := expr.Range()
	isDefined := exprRange.End.Byte > exprRange.Start.Byte

	logger.Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName,
		"hcl_range", exprRange.String(),
		"is_defined", isDefined,
	)

	return isDefined
}

// decodeIfDefined decodes expr into target when the attribute was written,
// leaving target untouched otherwise.
func decodeIfDefined(ctx context.Context, expr hcl.Expression, attrName string, target any) error {
	if !isExprDefined(ctx, expr, attrName) {
		return nil
	}
	if diags := gohcl.DecodeExpression(expr, nil, target); diags.HasErrors() {
		return fmt.Errorf("invalid '%s': %w", attrName, diags)
	}
	return nil
}

// source renders a block position as file:line.
func source(r hcl.Range) string {
	return fmt.Sprintf("%s:%d", r.Filename, r.Start.Line)
}
