// Package graph turns an asset registry into a validated dependency DAG and a
// deterministic execution plan.
//
// Validation runs a three-colour depth-first traversal; a node reached while it
// is still in progress closes a cycle, which is reported with its full path.
// The plan is then emitted with Kahn's algorithm, always taking the
// lexicographically smallest ready asset first, so identical registries yield
// identical plans.
package graph

import (
	"sort"

	"assetflow/internal/asset"
)

// Plan is a topological order of asset names: every asset comes after all of
// its dependencies.
type Plan struct {
	Order []string
}

func (p Plan) Len() int { return len(p.Order) }

// Index returns the position of name in the plan or -1.
func (p Plan) Index(name string) int {
	for i, n := range p.Order {
		if n == name {
			return i
		}
	}
	return -1
}

// Graph is a read-only view of the registry's dependency structure.
type Graph struct {
	names      []string
	deps       map[string][]string
	downstream map[string][]string
	plan       Plan
}

// Resolve validates the registry and returns its execution plan.
func Resolve(reg *asset.Registry) (Plan, error) {
	g, err := Build(reg)
	if err != nil {
		return Plan{}, err
	}
	return g.Plan(), nil
}

// Build validates the registry and constructs the graph.
func Build(reg *asset.Registry) (*Graph, error) {
	defs := reg.List()
	g := &Graph{
		names:      make([]string, 0, len(defs)),
		deps:       make(map[string][]string, len(defs)),
		downstream: make(map[string][]string, len(defs)),
	}
	for _, d := range defs {
		g.names = append(g.names, d.Name)
		g.deps[d.Name] = append([]string(nil), d.Deps...)
	}
	for _, name := range g.names {
		for _, dep := range sortedCopy(g.deps[name]) {
			if _, ok := g.deps[dep]; !ok {
				return nil, &UnknownDependencyError{Asset: name, Dependency: dep}
			}
			g.downstream[dep] = append(g.downstream[dep], name)
		}
	}
	for k := range g.downstream {
		sort.Strings(g.downstream[k])
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	g.plan = g.emit()
	return g, nil
}

type color uint8

const (
	white color = iota
	grey
	black
)

func (g *Graph) checkAcyclic() error {
	colors := make(map[string]color, len(g.names))
	stack := make([]string, 0, len(g.names))

	var visit func(n string) error
	visit = func(n string) error {
		colors[n] = grey
		stack = append(stack, n)
		for _, dep := range sortedCopy(g.deps[n]) {
			switch colors[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[n] = black
		return nil
	}

	for _, n := range g.names {
		if colors[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) emit() Plan {
	remaining := make(map[string]int, len(g.names))
	ready := make([]string, 0, len(g.names))
	for _, n := range g.names {
		remaining[n] = len(g.deps[n])
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range g.downstream[n] {
			remaining[d]--
			if remaining[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}
	return Plan{Order: order}
}

func (g *Graph) Plan() Plan {
	return Plan{Order: append([]string(nil), g.plan.Order...)}
}

func (g *Graph) Names() []string { return append([]string(nil), g.names...) }

func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Deps returns the declared dependencies of name in declaration order.
func (g *Graph) Deps(name string) []string { return append([]string(nil), g.deps[name]...) }

// Downstream returns the direct dependents of name, sorted.
func (g *Graph) Downstream(name string) []string {
	return append([]string(nil), g.downstream[name]...)
}

// Ancestors returns every transitive dependency of the given assets. The
// assets themselves are only included if one is an ancestor of another.
func (g *Graph) Ancestors(names ...string) map[string]struct{} {
	return g.walk(names, g.deps)
}

// Descendants returns every asset that transitively depends on one of names.
func (g *Graph) Descendants(names ...string) map[string]struct{} {
	return g.walk(names, g.downstream)
}

func (g *Graph) walk(start []string, edges map[string][]string) map[string]struct{} {
	seen := make(map[string]struct{}, len(start))
	q := make([]string, 0, len(start))
	for _, s := range start {
		q = append(q, edges[s]...)
	}
	for i := 0; i < len(q); i++ {
		n := q[i]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		q = append(q, edges[n]...)
	}
	return seen
}

// Subplan returns the plan restricted to set, preserving plan order.
func (g *Graph) Subplan(set map[string]struct{}) Plan {
	out := make([]string, 0, len(set))
	for _, n := range g.plan.Order {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return Plan{Order: out}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
