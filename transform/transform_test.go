// transform_test.go - Tests fuer das Einfuegen der Quantisierungs-Operatoren
package transform

import (
	"testing"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/quantize"
	"github.com/slimml/slimml/tensor"
)

func twoLayerModel(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	if _, err := g.AddNode("input", graph.OpParameter); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddNode("act", graph.OpRelu); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("input", 0, "act", 0); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"fc1", "fc2"} {
		w, err := tensor.FromFloat32([]int{2, 2}, []float32{1, -1, 0.5, -0.5})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddConstant(name+".weight", w); err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddNode(name, graph.OpMatMul); err != nil {
			t.Fatal(err)
		}
		if err := g.Connect("act", 0, name, 0); err != nil {
			t.Fatal(err)
		}
		if err := g.Connect(name+".weight", 0, name, 1); err != nil {
			t.Fatal(err)
		}
	}
	return g
}

func mustParams(t *testing.T) quantize.Params {
	t.Helper()
	p, err := quantize.FromRange(-1, 1, quantize.Config{Bits: 8, Symmetric: true})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// TestActivationEdgesDedup prueft, dass eine geteilte Kante nur einmal
// instrumentiert wird.
func TestActivationEdgesDedup(t *testing.T) {
	g := twoLayerModel(t)

	nodes := QuantizableNodes(g, IgnoredScope{})
	if len(nodes) != 2 {
		t.Fatalf("%d quantisierbare Knoten, erwartet 2", len(nodes))
	}

	edges := ActivationEdges(g, nodes)
	if len(edges) != 1 {
		t.Fatalf("%d Kanten, erwartet 1 (geteilte act-Kante)", len(edges))
	}
	if edges[0].Node != "act" {
		t.Errorf("Kante = %s, erwartet act:0", edges[0])
	}
}

// TestInsertFakeQuantizeNaming prueft Namensschema und Umverdrahtung.
func TestInsertFakeQuantizeNaming(t *testing.T) {
	g := twoLayerModel(t)

	inserts := []EdgeInsert{{Edge: graph.EdgeID{Node: "act"}, Params: mustParams(t)}}
	out, err := InsertFakeQuantize(g, inserts)
	if err != nil {
		t.Fatalf("InsertFakeQuantize: %v", err)
	}

	fq, err := out.NodeByName("act/fq_output_0")
	if err != nil {
		t.Fatalf("FakeQuantize fehlt: %v", err)
	}
	if fq.Op != graph.OpFakeQuantize {
		t.Errorf("Op = %s", fq.Op)
	}
	if fq.Attr("scale") == "" || fq.Attr("qmax") != "127" {
		t.Errorf("Attribute unvollstaendig: scale=%q qmax=%q", fq.Attr("scale"), fq.Attr("qmax"))
	}

	for _, consumer := range []string{"fc1", "fc2"} {
		edge, err := out.Producer(consumer, 0)
		if err != nil {
			t.Fatal(err)
		}
		if edge.Node != "act/fq_output_0" {
			t.Errorf("%s liest von %s, erwartet act/fq_output_0", consumer, edge.Node)
		}
	}

	// Original unveraendert
	edge, err := g.Producer("fc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if edge.Node != "act" {
		t.Error("Original-Graph wurde veraendert")
	}
}

// TestInsertFakeQuantizeIdempotent prueft, dass ein zweiter Lauf nicht
// doppelt einfuegt.
func TestInsertFakeQuantizeIdempotent(t *testing.T) {
	g := twoLayerModel(t)
	inserts := []EdgeInsert{{Edge: graph.EdgeID{Node: "act"}, Params: mustParams(t)}}

	once, err := InsertFakeQuantize(g, inserts)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := InsertFakeQuantize(once, inserts)
	if err != nil {
		t.Fatal(err)
	}

	if once.Len() != twice.Len() {
		t.Errorf("Knoten nach zweitem Lauf = %d, erwartet %d", twice.Len(), once.Len())
	}

	// ActivationEdges schlaegt die bereits instrumentierte Kante nicht mehr vor
	edges := ActivationEdges(once, QuantizableNodes(once, IgnoredScope{}))
	if len(edges) != 0 {
		t.Errorf("Kandidaten nach Einfuegen = %v, erwartet keine", edges)
	}
}

// TestIgnoredScope prueft Namens- und Typ-Ausschluss.
func TestIgnoredScope(t *testing.T) {
	g := twoLayerModel(t)

	byName := QuantizableNodes(g, IgnoredScope{Names: []string{"fc1"}})
	if len(byName) != 1 || byName[0].Name != "fc2" {
		t.Errorf("Namens-Ausschluss liefert %d Knoten", len(byName))
	}

	byType := QuantizableNodes(g, IgnoredScope{Types: []string{"MatMul"}})
	if len(byType) != 0 {
		t.Errorf("Typ-Ausschluss liefert %d Knoten, erwartet 0", len(byType))
	}
}

// TestFoldWeightsOverflowBand prueft natives int8 innerhalb des verengten
// Bands.
func TestFoldWeightsOverflowBand(t *testing.T) {
	g := twoLayerModel(t)

	nodes := QuantizableNodes(g, IgnoredScope{})
	targets := WeightTargets(g, nodes)
	if len(targets) != 2 {
		t.Fatalf("%d Fold-Kandidaten, erwartet 2", len(targets))
	}

	if err := FoldWeights(g, targets, quantize.DefaultPolicy(), "CPU"); err != nil {
		t.Fatalf("FoldWeights: %v", err)
	}

	for _, name := range []string{"fc1", "fc2"} {
		w, err := g.NodeByName(name + ".weight")
		if err != nil {
			t.Fatal(err)
		}
		if w.Value.DType() != tensor.DTypeI8 {
			t.Fatalf("%s: DType = %s, erwartet I8", name, w.Value.DType())
		}

		values, err := w.Value.Int8s()
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range values {
			if v < -64 || v > 64 {
				t.Errorf("%s: Wert %d = %d ausserhalb [-64, 64]", name, i, v)
			}
		}

		edge, err := g.Producer(name, 1)
		if err != nil {
			t.Fatal(err)
		}
		if edge.Node != name+".weight/dequantize" {
			t.Errorf("%s liest von %s, erwartet Dequantize-Kette", name, edge.Node)
		}
	}
}

// TestStripInserted prueft die Umkehrung der Transformation.
func TestStripInserted(t *testing.T) {
	g := twoLayerModel(t)

	out, err := InsertFakeQuantize(g, []EdgeInsert{{Edge: graph.EdgeID{Node: "act"}, Params: mustParams(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if err := FoldWeights(out, WeightTargets(out, QuantizableNodes(out, IgnoredScope{})), quantize.DefaultPolicy(), "CPU"); err != nil {
		t.Fatal(err)
	}

	stripped := StripInserted(out)

	for _, n := range stripped.Ops() {
		if graph.IsInserted(n.Op) {
			t.Errorf("eingefuegter Knoten %s uebrig", n.Name)
		}
	}
	if stripped.HasNode("fc1.weight/dequantize/scale") {
		t.Error("verwaiste Scale-Konstante uebrig")
	}

	edge, err := stripped.Producer("fc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if edge.Node != "act" {
		t.Errorf("fc1 liest von %s, erwartet act", edge.Node)
	}
}
