// dataset.go - Kalibrierungs-Datensatz Interface
//
// Dieses Modul enthaelt:
// - Dataset: lazy, neustartbare Folge von Eingabe-Samples
// - SliceDataset: In-Memory Implementierung fuer Tests und kleine Laeufe
package calibrate

import (
	"github.com/slimml/slimml/tensor"
)

// Sample maps Parameter node names to their input tensors.
type Sample map[string]*tensor.Tensor

// Dataset produces a lazy, restartable, finite or unbounded sequence of
// input samples. The collector only ever consumes a prefix of subset_size
// samples, always from the start, so runs are reproducible.
type Dataset interface {
	// Reset restarts the sequence from the beginning.
	Reset()

	// Next returns the next sample, or ok=false when the sequence ends.
	Next() (Sample, bool)
}

// SliceDataset serves samples from a slice.
type SliceDataset struct {
	samples []Sample
	next    int
}

// NewSliceDataset creates a dataset over the given samples.
func NewSliceDataset(samples ...Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

// Reset restarts the sequence.
func (d *SliceDataset) Reset() {
	d.next = 0
}

// Next returns the next sample in order.
func (d *SliceDataset) Next() (Sample, bool) {
	if d.next >= len(d.samples) {
		return nil, false
	}

	s := d.samples[d.next]
	d.next++
	return s, true
}
