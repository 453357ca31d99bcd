package graph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// asset, e.g. [a b c a] for a -> b -> c -> a.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "graph: dependency cycle: " + strings.Join(e.Path, " -> ")
}

// UnknownDependencyError reports a declared dependency that is not registered.
type UnknownDependencyError struct {
	Asset      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("graph: asset %s depends on unknown asset %s", e.Asset, e.Dependency)
}

// UnknownAssetError reports a selection entry that names no asset.
type UnknownAssetError struct {
	Name string
}

func (e *UnknownAssetError) Error() string {
	return fmt.Sprintf("graph: unknown asset %s", e.Name)
}
