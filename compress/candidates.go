// candidates.go - Auswahl der zu komprimierenden Gewichte
//
// Dieses Modul enthaelt:
// - ShouldCompress: Namens- und Shape-Regeln fuer Gewichts-Konstanten
// - findCandidates: Kandidaten-Suche ueber den Graphen mit Dedup fuer
//   geteilte Gewichte
package compress

import (
	"strings"

	"github.com/slimml/slimml/graph"
)

// ShouldCompress reports whether a weight constant is a compression
// candidate. Norm weights and biases stay in working precision; weights must
// be at least two-dimensional so rows and input channels are defined.
func ShouldCompress(name string, shape []int) bool {
	lower := strings.ToLower(name)

	// Layer-Norm und RMS-Norm Gewichte bleiben float
	if strings.Contains(lower, "norm") || strings.Contains(lower, "ln_") || strings.Contains(lower, "layernorm") {
		return false
	}

	if strings.HasSuffix(lower, ".bias") || strings.HasSuffix(lower, "/bias") {
		return false
	}

	return len(shape) >= 2
}

// candidate is one weight constant to compress, with every consumer reading
// it. A weight shared between layers appears once.
type candidate struct {
	constName string
	embedding bool // von Gather konsumiert
	rows      int
	cols      int

	// sensitivity steuert die Mixed-Precision Zuordnung; hoeher heisst
	// empfindlicher, bleibt also eher in der Backup-Praezision
	sensitivity float64
}

// weightPort returns the input port carrying the weight for an op type, or -1.
func weightPort(op string) int {
	switch op {
	case graph.OpMatMul, graph.OpConvolution:
		return 1
	case graph.OpGather:
		return 0
	default:
		return -1
	}
}

func findCandidates(g *graph.Graph) []candidate {
	seen := map[string]int{}
	var candidates []candidate

	for _, n := range g.Ops() {
		port := weightPort(n.Op)
		if port < 0 {
			continue
		}

		edge, err := g.Producer(n.Name, port)
		if err != nil || edge.Port != 0 {
			continue
		}

		producer, err := g.NodeByName(edge.Node)
		if err != nil || producer.Op != graph.OpConstant || producer.Value == nil {
			continue
		}
		if producer.Value.DType().IsQuantized() {
			// bereits komprimierte Gewichte nicht erneut anfassen
			continue
		}

		if idx, ok := seen[producer.Name]; ok {
			// geteiltes Gewicht: nur Embedding-Status mitnehmen
			candidates[idx].embedding = candidates[idx].embedding || n.Op == graph.OpGather
			continue
		}

		shape := producer.Value.Shape()
		if !ShouldCompress(producer.Name, shape) {
			continue
		}

		seen[producer.Name] = len(candidates)
		candidates = append(candidates, candidate{
			constName: producer.Name,
			embedding: n.Op == graph.OpGather,
			rows:      shape[0],
			cols:      producer.Value.Numel() / shape[0],
		})
	}
	return candidates
}
