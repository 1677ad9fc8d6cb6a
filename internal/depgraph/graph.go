// Package depgraph maintains the script-read relation between outline nodes:
// which nodes each script reads, and the reverse index used to propagate
// invalidation.
package depgraph

import (
	"sort"

	"github.com/starford/sofer/internal/outline"
)

// Graph is the derived edge set of read relations. It is rebuildable from the
// outline at any time and never a second source of truth.
type Graph struct {
	reads   map[outline.ID]map[outline.ID]struct{}
	readers map[outline.ID]map[outline.ID]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		reads:   make(map[outline.ID]map[outline.ID]struct{}),
		readers: make(map[outline.ID]map[outline.ID]struct{}),
	}
}

// RecordReads atomically replaces the read set of id. Stale edges from a
// previous script version do not survive the call.
func (g *Graph) RecordReads(id outline.ID, set map[outline.ID]struct{}) {
	for target := range g.reads[id] {
		delete(g.readers[target], id)
		if len(g.readers[target]) == 0 {
			delete(g.readers, target)
		}
	}
	delete(g.reads, id)

	if len(set) == 0 {
		return
	}
	fresh := make(map[outline.ID]struct{}, len(set))
	for target := range set {
		fresh[target] = struct{}{}
		if g.readers[target] == nil {
			g.readers[target] = make(map[outline.ID]struct{})
		}
		g.readers[target][id] = struct{}{}
	}
	g.reads[id] = fresh
}

// Remove drops a node from both indexes entirely. Used on node deletion.
func (g *Graph) Remove(id outline.ID) {
	g.RecordReads(id, nil)
	for reader := range g.readers[id] {
		delete(g.reads[reader], id)
	}
	delete(g.readers, id)
}

// Reads returns the sorted set of ids that id's script reads.
func (g *Graph) Reads(id outline.ID) []outline.ID {
	return sortedKeys(g.reads[id])
}

// Dependents returns the sorted set of nodes whose scripts read id.
func (g *Graph) Dependents(id outline.ID) []outline.ID {
	return sortedKeys(g.readers[id])
}

// Closure returns the seeds plus every transitive dependent, following
// reverse edges. The result is order-independent: a pure set union.
func (g *Graph) Closure(seeds ...outline.ID) map[outline.ID]struct{} {
	out := make(map[outline.ID]struct{}, len(seeds))
	stack := make([]outline.ID, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := out[s]; ok {
			continue
		}
		out[s] = struct{}{}
		stack = append(stack, s)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for reader := range g.readers[cur] {
			if _, ok := out[reader]; ok {
				continue
			}
			out[reader] = struct{}{}
			stack = append(stack, reader)
		}
	}
	return out
}

// CycleFrom returns one read-relation cycle reachable from id as a witness
// path, or nil. Cycles are an expected condition, reported not fatal.
func (g *Graph) CycleFrom(id outline.ID) []outline.ID {
	return outline.CycleFrom(id, func(n outline.ID) []outline.ID {
		return sortedKeys(g.reads[n])
	})
}

func sortedKeys(m map[outline.ID]struct{}) []outline.ID {
	if len(m) == 0 {
		return nil
	}
	out := make([]outline.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
