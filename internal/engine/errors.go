package engine

import (
	"errors"
	"fmt"
)

var ErrCancelled = errors.New("run cancelled before asset started")

// ComputeError is the failure of a single asset: its compute function, an
// input load or the write of its output.
type ComputeError struct {
	Asset string
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("engine: asset %s: %v", e.Asset, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// UpstreamFailedError marks an asset skipped because an ancestor failed.
type UpstreamFailedError struct {
	Asset    string
	Upstream string
}

func (e *UpstreamFailedError) Error() string {
	return fmt.Sprintf("engine: asset %s skipped: upstream %s failed", e.Asset, e.Upstream)
}

// PanicError carries a recovered panic from a compute function.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("compute panicked: %v", e.Value)
}
