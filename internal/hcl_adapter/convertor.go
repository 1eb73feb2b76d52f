package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// attrsFromExpr evaluates an `attrs` object and converts every value to a
// float64 kernel attribute.
func attrsFromExpr(ctx context.Context, expr hcl.Expression, opName string) (map[string]float64, error) {
	if !isExprDefined(ctx, expr, "attrs") {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("op '%s': invalid attrs: %w", opName, diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("op '%s': attrs must be an object, got %s", opName, ty.FriendlyName())
	}

	attrs := make(map[string]float64, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		name := k.AsString()
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("op '%s': attribute '%s': %w", opName, name, err)
		}
		attrs[name] = f
	}
	return attrs, nil
}

// toFloat converts a cty value to float64. Booleans map to 0 and 1.
func toFloat(v cty.Value) (float64, error) {
	if v.IsNull() || !v.IsKnown() {
		return 0, fmt.Errorf("value must be known and non-null")
	}
	if v.Type() == cty.Bool {
		if v.True() {
			return 1, nil
		}
		return 0, nil
	}
	num, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("must be a number: %w", err)
	}
	var f float64
	if err := gocty.FromCtyValue(num, &f); err != nil {
		return 0, err
	}
	return f, nil
}
