// correct.go - Bias-Korrektur nach der Quantisierung
//
// Dieses Modul enthaelt:
// - Corrector: gleicht die Bias-Konstanten des quantisierten Graphen an,
//   um den systematischen Quantisierungs-Fehler zu kompensieren
//
// Der Korrektor laeuft Region fuer Region in topologischer Reihenfolge:
// spaetere Regionen sehen die bereits korrigierten Bias-Werte ihrer
// Vorgaenger. Der Original-Graph bleibt unveraendert.
package biascorrect

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/slimml/slimml/backend"
	"github.com/slimml/slimml/calibrate"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// Corrector adjusts bias constants of a quantized graph so its per-channel
// output means match the float graph on the calibration data.
type Corrector struct {
	Backend backend.Backend

	// SubsetSize bounds how many calibration samples feed each region.
	SubsetSize int

	// Fast skips the region partition and corrects every bias node from a
	// single end-to-end evaluation per sample. Cheaper, slightly less exact
	// for deep graphs.
	Fast bool
}

// Correct mutates the bias constants of the quantized graph in place. The
// float graph serves as the numeric reference and stays untouched. It fails
// with ErrPartition when no region cut exists and with
// calibrate.ErrInsufficientData when the dataset yields no sample.
func (c *Corrector) Correct(ctx context.Context, float, quantized *graph.Graph, ds calibrate.Dataset) error {
	subgraphs, err := Partition(quantized)
	if err != nil {
		return err
	}
	if len(subgraphs) == 0 {
		slog.Debug("no bias-bearing nodes, skipping correction")
		return nil
	}

	samples, err := readSamples(ds, c.SubsetSize)
	if err != nil {
		return err
	}

	if c.Fast {
		return c.correctAll(ctx, float, quantized, subgraphs, samples)
	}

	for _, sd := range subgraphs {
		if err := c.correctRegion(ctx, float, quantized, sd, samples); err != nil {
			return fmt.Errorf("correcting bias of %s: %w", sd.BiasNode, err)
		}
	}
	return nil
}

// correctRegion evaluates the region's bias node on both graphs and folds the
// mean per-channel difference into its bias constant.
func (c *Corrector) correctRegion(ctx context.Context, float, quantized *graph.Graph, sd SubgraphData, samples []calibrate.Sample) error {
	fetch := []graph.EdgeID{{Node: sd.BiasNode}}

	node, err := quantized.NodeByName(sd.BiasNode)
	if err != nil {
		return err
	}
	bias, err := c.Backend.BiasValue(quantized, sd.BiasNode)
	if err != nil {
		return err
	}

	var deltas [][]float64
	for _, sample := range samples {
		feeds := sampleFeeds(sample)

		ref, err := c.Backend.Execute(ctx, float, feeds, fetch)
		if err != nil {
			return err
		}
		got, err := c.Backend.Execute(ctx, quantized, feeds, fetch)
		if err != nil {
			return err
		}

		d, err := channelDelta(ref[fetch[0]], got[fetch[0]], bias.Numel(), node.Op)
		if err != nil {
			return err
		}
		deltas = append(deltas, d)
	}

	return c.applyDelta(quantized, sd.BiasNode, deltas)
}

// correctAll is the fast path: one evaluation per sample fetching every bias
// node output at once.
func (c *Corrector) correctAll(ctx context.Context, float, quantized *graph.Graph, subgraphs []SubgraphData, samples []calibrate.Sample) error {
	fetches := make([]graph.EdgeID, len(subgraphs))
	ops := make([]string, len(subgraphs))
	channels := make([]int, len(subgraphs))
	for i, sd := range subgraphs {
		fetches[i] = graph.EdgeID{Node: sd.BiasNode}

		node, err := quantized.NodeByName(sd.BiasNode)
		if err != nil {
			return err
		}
		bias, err := c.Backend.BiasValue(quantized, sd.BiasNode)
		if err != nil {
			return err
		}
		ops[i] = node.Op
		channels[i] = bias.Numel()
	}

	deltas := make([][][]float64, len(subgraphs))
	for _, sample := range samples {
		feeds := sampleFeeds(sample)

		ref, err := c.Backend.Execute(ctx, float, feeds, fetches)
		if err != nil {
			return err
		}
		got, err := c.Backend.Execute(ctx, quantized, feeds, fetches)
		if err != nil {
			return err
		}

		for i := range subgraphs {
			d, err := channelDelta(ref[fetches[i]], got[fetches[i]], channels[i], ops[i])
			if err != nil {
				return err
			}
			deltas[i] = append(deltas[i], d)
		}
	}

	for i, sd := range subgraphs {
		if err := c.applyDelta(quantized, sd.BiasNode, deltas[i]); err != nil {
			return fmt.Errorf("correcting bias of %s: %w", sd.BiasNode, err)
		}
	}
	return nil
}

// applyDelta averages the per-sample deltas and adds the result to the bias
// constant in place.
func (c *Corrector) applyDelta(quantized *graph.Graph, biasNode string, deltas [][]float64) error {
	bias, err := c.Backend.BiasValue(quantized, biasNode)
	if err != nil {
		return err
	}

	values := bias.Float32s()
	for ch := range values {
		perSample := make([]float64, len(deltas))
		for s, d := range deltas {
			perSample[s] = d[ch]
		}
		values[ch] += float32(stat.Mean(perSample, nil))
	}

	corrected, err := tensor.FromFloat32(bias.Shape(), values)
	if err != nil {
		return err
	}

	slog.Debug("bias corrected", "node", biasNode, "channels", len(values), "samples", len(deltas))
	return c.Backend.SetBiasValue(quantized, biasNode, corrected)
}

// channelDelta reduces (ref - got) to one mean difference per bias channel.
// Convolutions carry their channel on axis 1, matmuls on the last axis.
func channelDelta(ref, got *tensor.Tensor, channels int, op string) ([]float64, error) {
	refV := ref.Float32s()
	gotV := got.Float32s()
	if len(refV) != len(gotV) {
		return nil, fmt.Errorf("output size mismatch: %d vs %d", len(refV), len(gotV))
	}
	if channels <= 0 || len(refV)%channels != 0 {
		return nil, fmt.Errorf("output of %d values not divisible into %d channels", len(refV), channels)
	}

	shape := ref.Shape()
	sums := make([]float64, channels)
	counts := make([]float64, channels)

	for i := range refV {
		var ch int
		if op == graph.OpConvolution && len(shape) >= 2 {
			// NCHW: Index innerhalb eines Samples, dann Kanal-Achse
			inner := 1
			for _, d := range shape[2:] {
				inner *= d
			}
			ch = (i / inner) % channels
		} else {
			ch = i % channels
		}
		sums[ch] += float64(refV[i] - gotV[i])
		counts[ch]++
	}

	delta := make([]float64, channels)
	for ch := range delta {
		delta[ch] = sums[ch] / counts[ch]
	}
	return delta, nil
}

// readSamples materializes the calibration prefix once so the float and the
// quantized graph see identical inputs.
func readSamples(ds calibrate.Dataset, subsetSize int) ([]calibrate.Sample, error) {
	ds.Reset()

	var samples []calibrate.Sample
	for i := 0; i < subsetSize; i++ {
		s, ok := ds.Next()
		if !ok {
			break
		}
		samples = append(samples, s)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: subset size %d yielded no samples", calibrate.ErrInsufficientData, subsetSize)
	}
	return samples, nil
}

func sampleFeeds(sample calibrate.Sample) map[graph.EdgeID]*tensor.Tensor {
	feeds := make(map[graph.EdgeID]*tensor.Tensor, len(sample))
	for name, t := range sample {
		feeds[graph.EdgeID{Node: name}] = t
	}
	return feeds
}
