package asset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateAsset    = errors.New("asset already registered")
	ErrInvalidDefinition = errors.New("invalid asset definition")
)

// Registry maps asset names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition, 16)}
}

// Register validates and stores def. Whether dependencies exist is checked
// when the graph is resolved, so assets may be registered in any order.
func (r *Registry) Register(def Definition) error {
	def.Name = normalizeName(def.Name)
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if def.Compute == nil {
		return fmt.Errorf("%w: asset %s has no compute function", ErrInvalidDefinition, def.Name)
	}
	deps := make([]string, 0, len(def.Deps))
	seen := make(map[string]bool, len(def.Deps))
	for _, d := range def.Deps {
		d = normalizeName(d)
		switch {
		case d == "":
			return fmt.Errorf("%w: asset %s declares an empty dependency", ErrInvalidDefinition, def.Name)
		case d == def.Name:
			return fmt.Errorf("%w: asset %s depends on itself", ErrInvalidDefinition, def.Name)
		case seen[d]:
			return fmt.Errorf("%w: asset %s declares %s twice", ErrInvalidDefinition, def.Name, d)
		}
		seen[d] = true
		deps = append(deps, d)
	}
	def.Deps = deps

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAsset, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(defs ...Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[normalizeName(name)]
	return d, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

func normalizeName(s string) string {
	return strings.TrimSpace(s)
}
