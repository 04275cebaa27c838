// compress_test.go - Tests fuer die Gewichts-Kompression auf dem Graphen
package compress

import (
	"testing"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// linearModel baut input -> MatMul(weight) mit einem 4x4 Gewicht.
func linearModel(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	if _, err := g.AddNode("input", graph.OpParameter); err != nil {
		t.Fatal(err)
	}

	w, err := tensor.FromFloat32([]int{4, 4}, []float32{
		0.5, -0.25, 0.75, -1,
		0.1, 0.2, -0.3, 0.4,
		-0.9, 0.8, -0.7, 0.6,
		0.05, -0.15, 0.25, -0.35,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddConstant("fc.weight", w); err != nil {
		t.Fatal(err)
	}

	if _, err := g.AddNode("fc", graph.OpMatMul); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("input", 0, "fc", 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("fc.weight", 0, "fc", 1); err != nil {
		t.Fatal(err)
	}
	return g
}

// TestCompressInt8Sym prueft Decompressor-Einbau und natives int8-Payload.
func TestCompressInt8Sym(t *testing.T) {
	g := linearModel(t)

	out, err := CompressWeights(g, Options{Mode: ModeInt8Sym})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	// Original bleibt unveraendert
	orig, err := g.NodeByName("fc.weight")
	if err != nil {
		t.Fatal(err)
	}
	if orig.Value.DType() != tensor.DTypeF32 {
		t.Errorf("Original-Gewicht veraendert: %s", orig.Value.DType())
	}

	w, err := out.NodeByName("fc.weight")
	if err != nil {
		t.Fatal(err)
	}
	if w.Value.DType() != tensor.DTypeI8 {
		t.Errorf("Payload-DType = %s, erwartet I8", w.Value.DType())
	}

	values, err := w.Value.Int8s()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range values {
		if v < -127 || v > 127 {
			t.Errorf("Wert %d = %d ausserhalb [-127, 127]", i, v)
		}
	}

	decomp, err := out.NodeByName(DecompressorPrefix + "fc.weight")
	if err != nil {
		t.Fatalf("Decompressor fehlt: %v", err)
	}
	if decomp.Attr("kind") != "int8_sym" {
		t.Errorf("kind = %q, erwartet int8_sym", decomp.Attr("kind"))
	}

	// MatMul liest jetzt vom Decompressor
	edge, err := out.Producer("fc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if edge.Node != DecompressorPrefix+"fc.weight" {
		t.Errorf("Gewichts-Input = %s, erwartet Decompressor", edge.Node)
	}
}

// TestCompressInt4Packs prueft das gepackte Payload und die Gruppen-Scales.
func TestCompressInt4Packs(t *testing.T) {
	g := linearModel(t)

	out, err := CompressWeights(g, Options{Mode: ModeInt4Sym, GroupSize: ptr(2)})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	w, err := out.NodeByName("fc.weight")
	if err != nil {
		t.Fatal(err)
	}
	if w.Value.DType() != tensor.DTypeU8 {
		t.Errorf("Payload-DType = %s, erwartet U8 (gepackt)", w.Value.DType())
	}
	if w.Value.Numel() != 8 {
		t.Errorf("Payload = %d Bytes, erwartet 8 (16 Nibbles)", w.Value.Numel())
	}

	scale, err := out.NodeByName(DecompressorPrefix + "fc.weight/scale")
	if err != nil {
		t.Fatalf("Scale-Konstante fehlt: %v", err)
	}
	if scale.Value.DType() != tensor.DTypeF16 {
		t.Errorf("Scale-DType = %s, erwartet F16", scale.Value.DType())
	}
	if scale.Value.Dim(0) != 4 || scale.Value.Dim(1) != 2 {
		t.Errorf("Scale-Shape = %v, erwartet [4 2]", scale.Value.Shape())
	}
}

// TestCompressSharedWeight prueft: ein geteiltes Gewicht bekommt genau einen
// Decompressor, beide Konsumenten lesen von ihm.
func TestCompressSharedWeight(t *testing.T) {
	g := linearModel(t)

	if _, err := g.AddNode("fc2", graph.OpMatMul); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("input", 0, "fc2", 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("fc.weight", 0, "fc2", 1); err != nil {
		t.Fatal(err)
	}

	out, err := CompressWeights(g, Options{Mode: ModeInt8Sym})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	count := 0
	for _, n := range out.Ops() {
		if n.Op == graph.OpDecompressor {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d Decompressoren, erwartet 1", count)
	}

	for _, consumer := range []string{"fc", "fc2"} {
		edge, err := out.Producer(consumer, 1)
		if err != nil {
			t.Fatal(err)
		}
		if edge.Node != DecompressorPrefix+"fc.weight" {
			t.Errorf("%s liest von %s, erwartet Decompressor", consumer, edge.Node)
		}
	}
}

// TestCompressIdempotent prueft, dass ein zweiter Lauf nicht doppelt einfuegt.
func TestCompressIdempotent(t *testing.T) {
	g := linearModel(t)

	once, err := CompressWeights(g, Options{Mode: ModeInt8Sym})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}
	twice, err := CompressWeights(once, Options{Mode: ModeInt8Sym})
	if err != nil {
		t.Fatalf("zweiter Lauf: %v", err)
	}

	if once.Len() != twice.Len() {
		t.Errorf("Knoten nach zweitem Lauf = %d, erwartet %d", twice.Len(), once.Len())
	}
}

// TestCompressSkipsNormAndBias prueft die Kandidaten-Regeln.
func TestCompressSkipsNormAndBias(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		want  bool
	}{
		{"fc.weight", []int{4, 4}, true},
		{"model.norm.weight", []int{4, 4}, false},
		{"ln_1.weight", []int{4, 4}, false},
		{"fc.bias", []int{4}, false},
		{"scalar", []int{4}, false},
		{"embed.tokens", []int{16, 8}, true},
	}

	for _, tt := range tests {
		if got := ShouldCompress(tt.name, tt.shape); got != tt.want {
			t.Errorf("ShouldCompress(%q, %v) = %v, erwartet %v", tt.name, tt.shape, got, tt.want)
		}
	}
}

// TestCompressSkipsQuantizedWeights prueft, dass bereits quantisierte
// Konstanten keine Kandidaten sind.
func TestCompressSkipsQuantizedWeights(t *testing.T) {
	g := graph.New()
	if _, err := g.AddNode("input", graph.OpParameter); err != nil {
		t.Fatal(err)
	}

	w, err := tensor.FromInt8([]int{4, 4}, make([]int8, 16))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddConstant("fc.weight", w); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddNode("fc", graph.OpMatMul); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("input", 0, "fc", 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("fc.weight", 0, "fc", 1); err != nil {
		t.Fatal(err)
	}

	out, err := CompressWeights(g, Options{Mode: ModeInt8Sym})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	for _, n := range out.Ops() {
		if n.Op == graph.OpDecompressor {
			t.Fatalf("Decompressor %s fuer quantisiertes Gewicht eingefuegt", n.Name)
		}
	}
	got, err := out.NodeByName("fc.weight")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value.DType() != tensor.DTypeI8 {
		t.Errorf("Gewicht-DType = %s, erwartet unveraendert I8", got.Value.DType())
	}
}

// TestCompressMetadata prueft die Provenance-Eintraege.
func TestCompressMetadata(t *testing.T) {
	g := linearModel(t)

	out, err := CompressWeights(g, Options{Mode: ModeInt4Sym, GroupSize: ptr(2), ScaleEstimation: true})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	tests := []struct {
		key, want string
	}{
		{"mode", "int4_sym"},
		{"group_size", "2"},
		{"scale_estimation", "true"},
		{"ratio", "1"},
	}
	for _, tt := range tests {
		got, ok := out.RTInfo("nncf", "weight_compression", tt.key)
		if !ok || got != tt.want {
			t.Errorf("RTInfo(%s) = %q (ok=%v), erwartet %q", tt.key, got, ok, tt.want)
		}
	}
}

// TestCompressRatioAssignsBackup prueft die Mixed-Precision Zuordnung.
func TestCompressRatioAssignsBackup(t *testing.T) {
	g := graph.New()
	if _, err := g.AddNode("input", graph.OpParameter); err != nil {
		t.Fatal(err)
	}

	for i, name := range []string{"a", "b"} {
		values := make([]float32, 16)
		for j := range values {
			// Gewicht b streut staerker, ist also empfindlicher
			values[j] = float32(j%5) * float32(1+i*10) / 10
		}
		w, err := tensor.FromFloat32([]int{4, 4}, values)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddConstant(name+".weight", w); err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddNode(name, graph.OpMatMul); err != nil {
			t.Fatal(err)
		}
		if err := g.Connect("input", 0, name, 0); err != nil {
			t.Fatal(err)
		}
		if err := g.Connect(name+".weight", 0, name, 1); err != nil {
			t.Fatal(err)
		}
	}

	out, err := CompressWeights(g, Options{Mode: ModeInt4Sym, Ratio: ptr(0.5), GroupSize: ptr(-1)})
	if err != nil {
		t.Fatalf("CompressWeights: %v", err)
	}

	kinds := map[string]int{}
	for _, n := range out.Ops() {
		if n.Op == graph.OpDecompressor {
			kinds[n.Attr("kind")]++
		}
	}
	if kinds["int4_sym"] != 1 || kinds["int8_asym"] != 1 {
		t.Errorf("Zuordnung = %v, erwartet je ein int4_sym und int8_asym", kinds)
	}
}
