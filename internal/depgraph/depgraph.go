// Package depgraph decides which packages in an install set are implied by
// other members of the set and can therefore be dropped from the explicit
// install list.
package depgraph

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Removable returns the subset of nodes that some other node in the set
// transitively pulls in. A node stays necessary if nothing in the set depends
// on it (in-degree zero), or if it sits in a dependency cycle: every member
// of a strongly connected component of size > 1 is kept unconditionally,
// whether or not the cycle is reachable from outside. That over-approximates
// the minimum install set but never drops a package wrongly.
//
// deps is consulted once per node; edges whose target is outside the node set
// are discarded.
func Removable(nodes []string, deps func(string) ([]string, error)) (map[string]bool, error) {
	ids := make(map[string]int64, len(nodes))
	names := make(map[int64]string, len(nodes))
	g := simple.NewDirectedGraph()
	for i, n := range nodes {
		id := int64(i)
		ids[n] = id
		names[id] = n
		g.AddNode(simple.Node(id))
	}

	for _, n := range nodes {
		ds, err := deps(n)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			to, ok := ids[d]
			if !ok || d == n {
				continue
			}
			g.SetEdge(simple.Edge{F: simple.Node(ids[n]), T: simple.Node(to)})
		}
	}

	necessary := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if g.To(ids[n]).Len() == 0 {
			necessary[n] = true
		}
	}
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		for _, node := range scc {
			necessary[names[node.ID()]] = true
		}
	}

	removable := make(map[string]bool)
	for _, n := range nodes {
		if !necessary[n] {
			removable[n] = true
		}
	}
	return removable, nil
}
