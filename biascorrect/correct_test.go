// correct_test.go - Tests fuer die Bias-Korrektur
package biascorrect

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/slimml/slimml/backend/cpu"
	"github.com/slimml/slimml/calibrate"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

func sampleOf(t *testing.T, values ...float32) calibrate.Sample {
	t.Helper()
	x, err := tensor.FromFloat32([]int{1, len(values)}, values)
	if err != nil {
		t.Fatal(err)
	}
	return calibrate.Sample{"input": x}
}

// perturbBias verschiebt die Bias-Konstante eines Knotens um feste Offsets.
func perturbBias(t *testing.T, g *graph.Graph, node string, offsets ...float32) {
	t.Helper()
	be := cpu.New()
	bias, err := be.BiasValue(g, node)
	if err != nil {
		t.Fatal(err)
	}
	values := bias.Float32s()
	for i, off := range offsets {
		values[i] += off
	}
	shifted, err := tensor.FromFloat32(bias.Shape(), values)
	if err != nil {
		t.Fatal(err)
	}
	if err := be.SetBiasValue(g, node, shifted); err != nil {
		t.Fatal(err)
	}
}

// TestCorrectRestoresPerturbedBias prueft, dass die Korrektur einen kuenstlich
// verschobenen Bias exakt zuruecksetzt. Bei einem linearen Modell ist der
// Kanal-Fehler genau die Verschiebung.
func TestCorrectRestoresPerturbedBias(t *testing.T) {
	float := referenceGraph(t)
	quantized := float.Clone()
	perturbBias(t, quantized, "fc1", 1, -2)

	ds := calibrate.NewSliceDataset(
		sampleOf(t, 1, 2),
		sampleOf(t, -1, 3),
	)
	c := &Corrector{Backend: cpu.New(), SubsetSize: 2}
	if err := c.Correct(context.Background(), float, quantized, ds); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	bias, err := cpu.New().BiasValue(quantized, "fc1")
	if err != nil {
		t.Fatal(err)
	}
	for ch, v := range bias.Float32s() {
		if math.Abs(float64(v)) > 1e-5 {
			t.Errorf("fc1-Bias Kanal %d = %g, erwartet 0", ch, v)
		}
	}
}

// TestCorrectRegionsSeePredecessors prueft die Reihenfolge: die fc2-Region
// laeuft auf dem bereits korrigierten fc1.
func TestCorrectRegionsSeePredecessors(t *testing.T) {
	float := referenceGraph(t)
	quantized := float.Clone()
	perturbBias(t, quantized, "fc1", 3, 3)
	perturbBias(t, quantized, "fc2", -1, 2)

	ds := calibrate.NewSliceDataset(sampleOf(t, 1, 1))
	c := &Corrector{Backend: cpu.New(), SubsetSize: 1}
	if err := c.Correct(context.Background(), float, quantized, ds); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	be := cpu.New()
	for _, node := range []string{"fc1", "fc2"} {
		bias, err := be.BiasValue(quantized, node)
		if err != nil {
			t.Fatal(err)
		}
		for ch, v := range bias.Float32s() {
			if math.Abs(float64(v)) > 1e-5 {
				t.Errorf("%s-Bias Kanal %d = %g, erwartet 0", node, ch, v)
			}
		}
	}
}

// TestCorrectFastPath prueft, dass der schnelle Pfad dieselben Bias-Werte wie
// der Regionen-Pfad liefert, solange nur eine Region betroffen ist.
func TestCorrectFastPath(t *testing.T) {
	float := referenceGraph(t)
	quantized := float.Clone()
	perturbBias(t, quantized, "fc1", 2, -2)

	ds := calibrate.NewSliceDataset(sampleOf(t, 4, -4))
	c := &Corrector{Backend: cpu.New(), SubsetSize: 1, Fast: true}
	if err := c.Correct(context.Background(), float, quantized, ds); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	bias, err := cpu.New().BiasValue(quantized, "fc1")
	if err != nil {
		t.Fatal(err)
	}
	for ch, v := range bias.Float32s() {
		if math.Abs(float64(v)) > 1e-5 {
			t.Errorf("fc1-Bias Kanal %d = %g, erwartet 0", ch, v)
		}
	}
}

// TestCorrectInsufficientData prueft den Fehler bei leerem Datensatz.
func TestCorrectInsufficientData(t *testing.T) {
	float := referenceGraph(t)
	quantized := float.Clone()

	c := &Corrector{Backend: cpu.New(), SubsetSize: 4}
	err := c.Correct(context.Background(), float, quantized, calibrate.NewSliceDataset())
	if !errors.Is(err, calibrate.ErrInsufficientData) {
		t.Errorf("err = %v, erwartet ErrInsufficientData", err)
	}
}

// TestCorrectLeavesFloatGraphUntouched prueft, dass der Referenz-Graph nicht
// mitgeschrieben wird.
func TestCorrectLeavesFloatGraphUntouched(t *testing.T) {
	float := referenceGraph(t)
	quantized := float.Clone()
	perturbBias(t, quantized, "fc1", 5, 5)

	ds := calibrate.NewSliceDataset(sampleOf(t, 1, 1))
	c := &Corrector{Backend: cpu.New(), SubsetSize: 1}
	if err := c.Correct(context.Background(), float, quantized, ds); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	bias, err := cpu.New().BiasValue(float, "fc1")
	if err != nil {
		t.Fatal(err)
	}
	for ch, v := range bias.Float32s() {
		if v != 0 {
			t.Errorf("Referenz-Bias Kanal %d = %g, erwartet 0", ch, v)
		}
	}
}
