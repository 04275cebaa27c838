// collector_test.go - Tests fuer die Statistik-Sammlung
package calibrate

import (
	"context"
	"errors"
	"testing"

	"github.com/slimml/slimml/backend/cpu"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

func reluGraph(t *testing.T) *graph.Graph {
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
	return g
}

func sampleOf(t *testing.T, values ...float32) Sample {
	t.Helper()
	x, err := tensor.FromFloat32([]int{len(values)}, values)
	if err != nil {
		t.Fatal(err)
	}
	return Sample{"input": x}
}

// TestCollectAccumulatesMinMax prueft die laufenden Min/Max-Werte ueber
// mehrere Samples.
func TestCollectAccumulatesMinMax(t *testing.T) {
	g := reluGraph(t)
	ds := NewSliceDataset(
		sampleOf(t, -1, 2),
		sampleOf(t, 5, -3),
	)

	c := &Collector{Backend: cpu.New(), SubsetSize: 10}
	edges := []graph.EdgeID{{Node: "input"}, {Node: "act"}}
	stats, err := c.Collect(context.Background(), g, ds, edges)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if stats.Samples() != 2 {
		t.Errorf("Samples = %d, erwartet 2", stats.Samples())
	}

	in, ok := stats.Range(graph.EdgeID{Node: "input"})
	if !ok {
		t.Fatal("keine Statistik fuer input")
	}
	if in.Min != -3 || in.Max != 5 {
		t.Errorf("input-Bereich = [%g, %g], erwartet [-3, 5]", in.Min, in.Max)
	}

	act, ok := stats.Range(graph.EdgeID{Node: "act"})
	if !ok {
		t.Fatal("keine Statistik fuer act")
	}
	if act.Min != 0 || act.Max != 5 {
		t.Errorf("act-Bereich = [%g, %g], erwartet [0, 5]", act.Min, act.Max)
	}
	if in.Samples != 2 || act.Samples != 2 {
		t.Errorf("Akkumulator-Samples = %d/%d, erwartet je 2", in.Samples, act.Samples)
	}
}

// TestMinMaxSampleCount prueft, dass der Akkumulator pro Aufruf genau einmal
// zaehlt und leere Tensoren ignoriert.
func TestMinMaxSampleCount(t *testing.T) {
	var m MinMax

	m.update([]float32{1, -2, 3})
	if m.Samples != 1 {
		t.Errorf("Samples nach erstem Update = %d, erwartet 1", m.Samples)
	}
	if m.Min != -2 || m.Max != 3 {
		t.Errorf("Bereich = [%g, %g], erwartet [-2, 3]", m.Min, m.Max)
	}

	m.update([]float32{4})
	if m.Samples != 2 {
		t.Errorf("Samples nach zweitem Update = %d, erwartet 2", m.Samples)
	}
	if m.Max != 4 {
		t.Errorf("Max = %g, erwartet 4", m.Max)
	}

	m.update(nil)
	if m.Samples != 2 {
		t.Errorf("leeres Update zaehlte mit: Samples = %d, erwartet 2", m.Samples)
	}
}

// TestCollectHonorsSubsetSize prueft die deterministische Praefix-Trunkierung.
func TestCollectHonorsSubsetSize(t *testing.T) {
	g := reluGraph(t)
	ds := NewSliceDataset(
		sampleOf(t, 1),
		sampleOf(t, 100),
	)

	c := &Collector{Backend: cpu.New(), SubsetSize: 1}
	stats, err := c.Collect(context.Background(), g, ds, []graph.EdgeID{{Node: "input"}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if stats.Samples() != 1 {
		t.Errorf("Samples = %d, erwartet 1", stats.Samples())
	}
	mm, _ := stats.Range(graph.EdgeID{Node: "input"})
	if mm.Max != 1 {
		t.Errorf("Max = %g, das zweite Sample haette nicht laufen duerfen", mm.Max)
	}
}

// TestCollectInsufficientData prueft den Fehler bei leerem Praefix.
func TestCollectInsufficientData(t *testing.T) {
	g := reluGraph(t)

	for _, c := range []*Collector{
		{Backend: cpu.New(), SubsetSize: 0},
		{Backend: cpu.New(), SubsetSize: 5},
	} {
		_, err := c.Collect(context.Background(), g, NewSliceDataset(), []graph.EdgeID{{Node: "input"}})
		if !errors.Is(err, ErrInsufficientData) {
			t.Errorf("SubsetSize=%d: err = %v, erwartet ErrInsufficientData", c.SubsetSize, err)
		}
	}
}

// TestDatasetReset prueft, dass Reset die Folge von vorn beginnt.
func TestDatasetReset(t *testing.T) {
	ds := NewSliceDataset(sampleOf(t, 1), sampleOf(t, 2))

	first, ok := ds.Next()
	if !ok {
		t.Fatal("erstes Sample fehlt")
	}

	ds.Reset()
	again, ok := ds.Next()
	if !ok {
		t.Fatal("Sample nach Reset fehlt")
	}

	if first["input"].Float32s()[0] != again["input"].Float32s()[0] {
		t.Error("Reset beginnt nicht von vorn")
	}
}
