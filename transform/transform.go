// transform.go - Einfuegen von Quantisierungs-Operatoren
//
// Dieses Modul enthaelt:
// - QuantizableNodes / ActivationEdges / WeightTargets: Kandidaten-Suche
//   unter Beruecksichtigung des Ignored-Scope
// - InsertFakeQuantize: fuegt FakeQuantize-Knoten auf Aktivierungs-Kanten ein
// - FoldWeights: faltet Gewichts-Konstanten zu nativen int8-Werten mit
//   Dequantize-Kette
// - StripInserted: entfernt frueher eingefuegte Operatoren
//
// Einfuegen ist idempotent: eine bereits instrumentierte Kante wird beim
// erneuten Transformieren nicht doppelt instrumentiert.
package transform

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/x448/float16"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/quantize"
	"github.com/slimml/slimml/tensor"
)

// EdgeInsert pairs an activation edge with the parameters of the
// fake-quantize operator to insert there.
type EdgeInsert struct {
	Edge   graph.EdgeID
	Params quantize.Params
}

// FQName returns the friendly name of the fake-quantize node inserted on an
// edge: <producer>/fq_output_<port>.
func FQName(edge graph.EdgeID) string {
	return fmt.Sprintf("%s/fq_output_%d", edge.Node, edge.Port)
}

// QuantizableNodes returns the nodes eligible for quantization, in insertion
// order, with ignored names and types filtered out.
func QuantizableNodes(g *graph.Graph, scope IgnoredScope) []*graph.Node {
	var nodes []*graph.Node
	for _, n := range g.Ops() {
		if graph.IsQuantizable(n.Op) && !scope.Matches(n) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ActivationEdges returns the distinct activation input edges of the given
// nodes. Edges produced by constants or by already inserted operators are
// skipped; an edge shared by several consumers appears once.
func ActivationEdges(g *graph.Graph, nodes []*graph.Node) []graph.EdgeID {
	seen := map[graph.EdgeID]bool{}
	var edges []graph.EdgeID

	for _, n := range nodes {
		edge, err := g.Producer(n.Name, 0)
		if err != nil {
			continue
		}
		if seen[edge] {
			continue
		}

		producer, err := g.NodeByName(edge.Node)
		if err != nil || producer.Op == graph.OpConstant || graph.IsInserted(producer.Op) {
			continue
		}

		seen[edge] = true
		edges = append(edges, edge)
	}
	return edges
}

// WeightTargets returns the given nodes that carry a constant weight on
// input port 1, i.e. the fold candidates.
func WeightTargets(g *graph.Graph, nodes []*graph.Node) []string {
	var targets []string
	for _, n := range nodes {
		edge, err := g.Producer(n.Name, 1)
		if err != nil {
			continue
		}
		producer, err := g.NodeByName(edge.Node)
		if err != nil || producer.Op != graph.OpConstant || producer.Value == nil {
			continue
		}
		targets = append(targets, n.Name)
	}
	return targets
}

// InsertFakeQuantize returns a copy of the graph with one fake-quantize node
// per insert, consumers rewired to read the quantized activation. Inserts
// whose edge already carries a fake-quantize node are skipped.
func InsertFakeQuantize(g *graph.Graph, inserts []EdgeInsert) (*graph.Graph, error) {
	out := g.Clone()

	inserted := 0
	for _, ins := range inserts {
		if err := ins.Params.Validate(); err != nil {
			return nil, fmt.Errorf("edge %s: %w", ins.Edge, err)
		}

		name := FQName(ins.Edge)
		if out.HasNode(name) {
			continue
		}

		consumers := out.Consumers(ins.Edge)

		fq, err := out.AddNode(name, graph.OpFakeQuantize)
		if err != nil {
			return nil, err
		}
		fq.SetAttr("scale", strconv.FormatFloat(float64(ins.Params.Scale), 'g', -1, 32))
		fq.SetAttr("zero_point", strconv.FormatInt(int64(ins.Params.ZeroPoint), 10))
		fq.SetAttr("qmin", strconv.FormatInt(int64(ins.Params.Qmin), 10))
		fq.SetAttr("qmax", strconv.FormatInt(int64(ins.Params.Qmax), 10))

		if err := out.Connect(ins.Edge.Node, ins.Edge.Port, name, 0); err != nil {
			return nil, err
		}
		for _, c := range consumers {
			if err := out.Connect(name, 0, c.Node, c.Port); err != nil {
				return nil, err
			}
		}
		inserted++
	}

	slog.Debug("fake-quantize insertion finished", "requested", len(inserts), "inserted", inserted)
	return out, nil
}

// FoldWeights replaces the constant weights of the target nodes with native
// int8 payloads behind a dequantize chain. The effective integer band comes
// from the overflow policy for (device, op); weights are quantized
// symmetrically per output channel. A weight shared between targets is
// folded once.
func FoldWeights(g *graph.Graph, targets []string, policy quantize.OverflowPolicy, device string) error {
	for _, target := range targets {
		n, err := g.NodeByName(target)
		if err != nil {
			return err
		}

		edge, err := g.Producer(target, 1)
		if err != nil {
			return err
		}
		weight, err := g.NodeByName(edge.Node)
		if err != nil {
			return err
		}
		if weight.Op != graph.OpConstant {
			// bereits gefaltet (geteiltes Gewicht) oder kein Konstanten-Input
			continue
		}

		if err := foldWeight(g, weight, policy.Bound(device, n.Op)); err != nil {
			return fmt.Errorf("folding weight of %s: %w", target, err)
		}
	}
	return nil
}

func foldWeight(g *graph.Graph, weight *graph.Node, bound int32) error {
	shape := weight.Value.Shape()
	if len(shape) < 2 {
		return fmt.Errorf("weight %s has rank %d, want >= 2", weight.Name, len(shape))
	}

	rows := shape[0]
	cols := weight.Value.Numel() / rows
	w := weight.Value.Float32s()

	gp, err := quantize.Groupwise(w, rows, cols, 0, 8, true)
	if err != nil {
		return err
	}

	// Overflow-Fix: Band verengen und Scales neu ableiten
	if bound > 0 {
		for r := 0; r < rows; r++ {
			lo, hi := w[r*cols], w[r*cols]
			for _, v := range w[r*cols : (r+1)*cols] {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			p, err := quantize.FromRange(lo, hi, quantize.Config{Bits: 8, Symmetric: true, OverflowBound: bound})
			if err != nil {
				return err
			}
			gp.Scales[r] = float16.Fromfloat32(p.Scale)
		}
	}

	q := gp.Quantize(w)
	if bound > 0 {
		for i, v := range q {
			if v > bound {
				q[i] = bound
			}
			if v < -bound {
				q[i] = -bound
			}
		}
	}

	values := make([]int8, len(q))
	for i, v := range q {
		values[i] = int8(v)
	}
	payload, err := tensor.FromInt8(shape, values)
	if err != nil {
		return err
	}

	scales := make([]float32, rows)
	for r := 0; r < rows; r++ {
		scales[r] = gp.Scale(r, 0)
	}
	scaleTensor, err := tensor.FromFloat16([]int{rows}, scales)
	if err != nil {
		return err
	}

	consumers := g.Consumers(graph.EdgeID{Node: weight.Name})

	weight.Value = payload

	dqName := weight.Name + "/dequantize"
	if _, err := g.AddNode(dqName, graph.OpDequantize); err != nil {
		return err
	}
	if _, err := g.AddConstant(dqName+"/scale", scaleTensor); err != nil {
		return err
	}
	if err := g.Connect(weight.Name, 0, dqName, 0); err != nil {
		return err
	}
	if err := g.Connect(dqName+"/scale", 0, dqName, 1); err != nil {
		return err
	}

	for _, c := range consumers {
		if err := g.Connect(dqName, 0, c.Node, c.Port); err != nil {
			return err
		}
	}
	return nil
}

// StripInserted removes every operator an earlier transform added, rewiring
// consumers back to the original producers. It inverts InsertFakeQuantize
// and, for folded weights, removes the dequantize chain while keeping the
// integer payload.
func StripInserted(g *graph.Graph) *graph.Graph {
	out := g.Clone()
	for _, n := range out.Ops() {
		if !graph.IsInserted(n.Op) {
			continue
		}

		params := out.Inputs(n.Name)

		// Bypass: Konsumenten lesen wieder vom Original-Produzenten
		_ = out.RemoveNode(n.Name, true)

		// Parameter-Konstanten (Scale, Zero-Point) haengen jetzt lose
		for port, in := range params {
			if port == 0 || in.Node == "" || !out.HasNode(in.Node) {
				continue
			}
			if p, err := out.NodeByName(in.Node); err == nil && p.Op == graph.OpConstant &&
				len(out.Consumers(graph.EdgeID{Node: in.Node})) == 0 {
				_ = out.RemoveNode(in.Node, false)
			}
		}
	}
	return out
}
