// collector.go - Sammeln von Kalibrierungs-Statistiken
//
// Dieses Modul enthaelt:
// - Collector: fuehrt Kalibrierungs-Samples durch den Graphen und
//   akkumuliert laufende Min/Max-Werte pro instrumentierter Kante
// - Statistics: deterministisch geordnete Statistik-Tabelle
//
// Samples laufen strikt sequentiell, damit die laufenden Akkumulatoren
// reproduzierbar sind; unabhaengige Kanten innerhalb eines Samples werden
// parallel aktualisiert.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/slimml/slimml/backend"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// ErrInsufficientData is returned when the calibration prefix is empty.
var ErrInsufficientData = errors.New("insufficient calibration data")

// MinMax is the running range accumulator of one tensor edge.
type MinMax struct {
	Min, Max float32
	Samples  int
}

func (m *MinMax) update(values []float32) {
	if len(values) == 0 {
		return
	}
	if m.Samples == 0 {
		m.Min, m.Max = values[0], values[0]
	}
	for _, v := range values {
		if v < m.Min {
			m.Min = v
		}
		if v > m.Max {
			m.Max = v
		}
	}
	m.Samples++
}

// Statistics holds the collected per-edge ranges. Iteration order matches
// the instrumentation order; the table is immutable once collection ends.
type Statistics struct {
	edges   *orderedmap.OrderedMap[graph.EdgeID, *MinMax]
	samples int
}

// Range returns the accumulator of one edge.
func (s *Statistics) Range(edge graph.EdgeID) (*MinMax, bool) {
	return s.edges.Get(edge)
}

// Edges returns the instrumented edges in collection order.
func (s *Statistics) Edges() []graph.EdgeID {
	edges := make([]graph.EdgeID, 0, s.edges.Len())
	for pair := s.edges.Oldest(); pair != nil; pair = pair.Next() {
		edges = append(edges, pair.Key)
	}
	return edges
}

// Samples returns how many calibration samples were consumed.
func (s *Statistics) Samples() int {
	return s.samples
}

// Collector runs calibration data through a graph and accumulates statistics
// at the instrumented edges.
type Collector struct {
	Backend backend.Backend

	// SubsetSize bounds how many samples are consumed: the first N, a
	// deterministic truncation rather than random sampling.
	SubsetSize int
}

// Collect consumes up to SubsetSize samples and returns the per-edge
// statistics. It fails with ErrInsufficientData when no sample was consumed.
func (c *Collector) Collect(ctx context.Context, g *graph.Graph, ds Dataset, edges []graph.EdgeID) (*Statistics, error) {
	stats := &Statistics{edges: orderedmap.New[graph.EdgeID, *MinMax]()}
	for _, edge := range edges {
		stats.edges.Set(edge, &MinMax{})
	}

	ds.Reset()
	for i := 0; i < c.SubsetSize; i++ {
		sample, ok := ds.Next()
		if !ok {
			break
		}

		outputs, err := c.Backend.Execute(ctx, g, sampleFeeds(sample), edges)
		if err != nil {
			return nil, fmt.Errorf("executing calibration sample %d: %w", i, err)
		}

		var eg errgroup.Group
		eg.SetLimit(max(runtime.GOMAXPROCS(0)-1, 1))
		for pair := stats.edges.Oldest(); pair != nil; pair = pair.Next() {
			acc := pair.Value
			out, ok := outputs[pair.Key]
			if !ok {
				return nil, fmt.Errorf("backend returned no value for edge %s", pair.Key)
			}
			eg.Go(func() error {
				acc.update(out.Float32s())
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		stats.samples++
	}

	if stats.samples == 0 {
		return nil, fmt.Errorf("%w: subset size %d yielded no samples", ErrInsufficientData, c.SubsetSize)
	}

	slog.Debug("statistics collected", "edges", stats.edges.Len(), "samples", stats.samples)
	return stats, nil
}

// sampleFeeds addresses every input tensor as output 0 of its Parameter node.
func sampleFeeds(sample Sample) map[graph.EdgeID]*tensor.Tensor {
	feeds := make(map[graph.EdgeID]*tensor.Tensor, len(sample))
	for name, t := range sample {
		feeds[graph.EdgeID{Node: name}] = t
	}
	return feeds
}
