// compare.go - Struktureller Graph-Vergleich
// Enthaelt: Equal und Diff fuer Regressions-Vergleiche gegen Referenz-Graphen
package graph

import (
	"github.com/google/go-cmp/cmp"
)

// nodeView is the comparable projection of a node: operator type, attributes,
// wiring and constant payload metadata. Runtime info is deliberately excluded
// so a quantized graph can be compared against a reference produced by a
// different run.
type nodeView struct {
	Op     string
	Attrs  map[string]string
	Inputs []EdgeID
	Shape  []int
	DType  string
}

func (g *Graph) view() map[string]nodeView {
	views := make(map[string]nodeView, len(g.nodes))
	for _, name := range g.order {
		n := g.nodes[name]
		v := nodeView{Op: n.Op, Inputs: g.Inputs(name)}
		if len(n.Attrs) > 0 {
			v.Attrs = n.Attrs
		}
		if n.Value != nil {
			v.Shape = n.Value.Shape()
			v.DType = n.Value.DType().String()
		}
		views[name] = v
	}
	return views
}

// Equal reports whether two graphs are structurally identical: same node set,
// operator types, attributes, edges, and constant shapes/dtypes.
func Equal(a, b *Graph) bool {
	return cmp.Equal(a.view(), b.view())
}

// Diff returns a human-readable description of the structural differences
// between two graphs, or the empty string if they are equal.
func Diff(a, b *Graph) string {
	return cmp.Diff(a.view(), b.view())
}
