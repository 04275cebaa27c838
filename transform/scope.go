// scope.go - Ignored-Scope Filter
//
// Dieses Modul enthaelt:
// - IgnoredScope: explizite Ausschlussliste nach Knoten-Namen und Op-Typen
//
// Matching ist exakter String-Vergleich, keine Wildcards: ein Knoten, der
// einer Regel entspricht, wird nie instrumentiert.
package transform

import (
	"slices"

	"github.com/slimml/slimml/graph"
)

// IgnoredScope excludes nodes from transformation, by friendly name and/or
// operator type.
type IgnoredScope struct {
	Names []string `yaml:"names,omitempty"`
	Types []string `yaml:"types,omitempty"`
}

// Matches reports whether the node is excluded.
func (s IgnoredScope) Matches(n *graph.Node) bool {
	return slices.Contains(s.Names, n.Name) || slices.Contains(s.Types, n.Op)
}

// Empty reports whether the scope excludes nothing.
func (s IgnoredScope) Empty() bool {
	return len(s.Names) == 0 && len(s.Types) == 0
}
