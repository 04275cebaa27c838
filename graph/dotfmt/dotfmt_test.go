// dotfmt_test.go - Tests fuer das textuelle Graph-Austauschformat
package dotfmt

import (
	"strings"
	"testing"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	p, err := g.AddNode("input", graph.OpParameter)
	if err != nil {
		t.Fatal(err)
	}
	p.SetAttr("shape", "1x4")

	if _, err := g.AddConstant("fc.weight", tensor.Zeros(tensor.DTypeF32, []int{4, 4})); err != nil {
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

	g.SetRTInfo("performance", "nncf", "quantization", "preset")
	return g
}

// TestExportParseRoundTrip prueft, dass der kanonische Export stabil ist.
func TestExportParseRoundTrip(t *testing.T) {
	g := sampleGraph(t)

	text := Export(g)
	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := Export(parsed); got != text {
		t.Errorf("Export nach Round-Trip weicht ab:\n%s\n---\n%s", text, got)
	}
}

// TestParseRestoresConstants prueft Shape und DType der Konstanten.
func TestParseRestoresConstants(t *testing.T) {
	g := sampleGraph(t)

	parsed, err := Parse(Export(g))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	w, err := parsed.NodeByName("fc.weight")
	if err != nil {
		t.Fatal(err)
	}
	if w.Value == nil {
		t.Fatal("Konstanten-Payload fehlt")
	}
	if w.Value.DType() != tensor.DTypeF32 || w.Value.Dim(0) != 4 {
		t.Errorf("Payload = %s %v, erwartet F32 [4 4]", w.Value.DType(), w.Value.Shape())
	}

	// Parameter-Shape bleibt Attribut und wird kein Payload
	p, err := parsed.NodeByName("input")
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != nil {
		t.Error("Parameter bekam faelschlich ein Payload")
	}
	if p.Attr("shape") != "1x4" {
		t.Errorf("Parameter-Shape = %q, erwartet 1x4", p.Attr("shape"))
	}
}

// TestMetadataRoundTrip prueft die Runtime-Info im Austauschformat.
func TestMetadataRoundTrip(t *testing.T) {
	g := sampleGraph(t)
	g.SetRTInfo("CPU", "nncf", "quantization", "target_device")

	parsed, err := Parse(Export(g))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, tt := range []struct{ key, want string }{
		{"preset", "performance"},
		{"target_device", "CPU"},
	} {
		got, ok := parsed.RTInfo("nncf", "quantization", tt.key)
		if !ok || got != tt.want {
			t.Errorf("RTInfo(%s) = %q (ok=%v), erwartet %q", tt.key, got, ok, tt.want)
		}
	}
}

// TestCompareMatchesReference prueft den strukturellen Vergleich.
func TestCompareMatchesReference(t *testing.T) {
	g := sampleGraph(t)

	if err := Compare(g, Export(g)); err != nil {
		t.Errorf("Compare gegen eigenen Export: %v", err)
	}
}

// TestCompareIgnoresRuntimeInfo prueft, dass abweichende Runtime-Info den
// strukturellen Vergleich nicht bricht. Referenzen bleiben damit ueber Laeufe
// mit unterschiedlicher Run-Id stabil.
func TestCompareIgnoresRuntimeInfo(t *testing.T) {
	g := sampleGraph(t)

	ref := sampleGraph(t)
	ref.SetRTInfo("mixed", "nncf", "quantization", "preset")
	ref.SetRTInfo("andere-id", "nncf", "quantization", "run_id")

	if err := Compare(g, Export(ref)); err != nil {
		t.Errorf("Compare mit abweichender Runtime-Info: %v", err)
	}
}

// TestCompareReportsDiff prueft, dass Abweichungen einen Diff liefern.
func TestCompareReportsDiff(t *testing.T) {
	g := sampleGraph(t)

	ref := sampleGraph(t)
	if _, err := ref.AddNode("extra", graph.OpRelu); err != nil {
		t.Fatal(err)
	}

	err := Compare(g, Export(ref))
	if err == nil {
		t.Fatal("Abweichung wurde nicht erkannt")
	}
	if !strings.Contains(err.Error(), "extra") {
		t.Errorf("Diff nennt den abweichenden Knoten nicht: %v", err)
	}
}

// TestParseRejectsMalformedLines prueft die Fehlerpfade.
func TestParseRejectsMalformedLines(t *testing.T) {
	tests := []string{
		`"a" [];`,
		`"a" -> "b";`,
		`meta nokey;`,
	}

	for _, line := range tests {
		if _, err := Parse("strict digraph {\n" + line + "\n}\n"); err == nil {
			t.Errorf("Zeile %q wurde nicht abgelehnt", line)
		}
	}
}
