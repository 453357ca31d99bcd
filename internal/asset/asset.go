// Package asset holds asset definitions and the registry they are declared in.
//
// An asset is a named unit of computation whose output is persisted. Its
// upstream inputs are declared explicitly by name in Deps; the compute
// function receives them through Inputs keyed by the same names.
package asset

import (
	"context"
	"encoding/json"
	"fmt"
)

// ComputeFunc produces an asset value from its resolved dependencies. It must
// be deterministic for identical inputs so re-execution is safe.
type ComputeFunc func(ctx context.Context, in Inputs) (any, error)

// Definition declares an asset.
type Definition struct {
	Name        string
	Deps        []string
	Compute     ComputeFunc
	OutputType  string // informational tag stored alongside the value, e.g. "[]int"
	Description string
}

// Inputs maps dependency names to their values.
type Inputs map[string]any

// Input returns the dependency value for name converted to T. Values loaded
// from storage arrive as generic JSON; they are re-decoded into T.
func Input[T any](in Inputs, name string) (T, error) {
	var zero T
	v, ok := in[name]
	if !ok {
		return zero, fmt.Errorf("asset: input %q not provided", name)
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("asset: encode input %q: %w", name, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("asset: decode input %q as %T: %w", name, zero, err)
	}
	return out, nil
}

// MustInput is Input that panics on error. The engine recovers compute panics
// into compute errors, so this is safe to use inside ComputeFunc.
func MustInput[T any](in Inputs, name string) T {
	v, err := Input[T](in, name)
	if err != nil {
		panic(err)
	}
	return v
}
