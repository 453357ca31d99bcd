package graph

import "strings"

// SelectAll selects every asset in the graph.
const SelectAll = "*"

// Select resolves selection entries to a set of asset names.
//
//	*        every asset
//	name     the asset itself
//	*name    the asset and all of its upstream assets
//	name*    the asset and all of its downstream assets
//	*name*   both directions
//
// An empty selection selects every asset. A bare name does not pull in its
// upstream assets: dependencies outside the selection are not recomputed, the
// engine loads their stored materializations instead. Use *name to recompute
// them too.
func (g *Graph) Select(selection []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(g.names))
	if len(selection) == 0 {
		selection = []string{SelectAll}
	}
	for _, raw := range selection {
		entry := strings.TrimSpace(raw)
		up := strings.HasPrefix(entry, "*")
		down := strings.HasSuffix(entry, "*")
		name := strings.Trim(entry, "*")
		if name == "" {
			for _, n := range g.names {
				out[n] = struct{}{}
			}
			continue
		}
		if !g.Has(name) {
			return nil, &UnknownAssetError{Name: name}
		}
		out[name] = struct{}{}
		if up {
			for n := range g.Ancestors(name) {
				out[n] = struct{}{}
			}
		}
		if down {
			for n := range g.Descendants(name) {
				out[n] = struct{}{}
			}
		}
	}
	return out, nil
}
