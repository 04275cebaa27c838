// compress.go - Gewichts-Kompression auf dem Graphen
//
// Dieses Modul enthaelt:
// - CompressWeights: Haupteinstieg, komprimiert Gewichts-Konstanten und
//   fuegt Decompressor-Operatoren ein
// - Mixed-Precision Zuordnung ueber Ratio und Sensitivitaets-Metrik
//
// Geteilte Gewichte erhalten genau einen Decompressor: alle Konsumenten
// werden auf dessen Ausgang umverdrahtet, ausgewertet wird er einmal pro
// Forward-Lauf.
package compress

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/quantize"
	"github.com/slimml/slimml/tensor"
)

// DecompressorPrefix names inserted decompressor nodes, suffixed with the
// weight constant they expand.
const DecompressorPrefix = "weights_decompressor_"

// CompressWeights returns a copy of the graph with candidate weight
// constants stored in low precision behind decompressor operators. The
// original graph is not modified.
func CompressWeights(g *graph.Graph, opts Options) (*graph.Graph, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	out := g.Clone()
	mode := opts.mode()

	candidates := findCandidates(out)
	candidates = skipCompressed(out, candidates)

	if mode.Int4() {
		if err := computeSensitivities(out, candidates, opts); err != nil {
			return nil, err
		}
	}

	assignments := assignModes(candidates, mode, opts)

	var compressed int
	for i, cand := range candidates {
		m := assignments[i]
		if m == "" {
			continue
		}
		if err := applyCompression(out, cand, m, opts); err != nil {
			return nil, fmt.Errorf("compressing %s: %w", cand.constName, err)
		}
		compressed++
	}

	slog.Info("weight compression finished", "mode", string(mode), "candidates", len(candidates), "compressed", compressed)

	out.SetRTInfo(string(mode), "nncf", "weight_compression", "mode")
	out.SetRTInfo(strconv.FormatFloat(opts.ratio(), 'g', -1, 64), "nncf", "weight_compression", "ratio")
	out.SetRTInfo(strconv.Itoa(opts.groupSize()), "nncf", "weight_compression", "group_size")
	out.SetRTInfo(strconv.FormatBool(opts.allLayers()), "nncf", "weight_compression", "all_layers")
	out.SetRTInfo(strconv.FormatBool(opts.ScaleEstimation), "nncf", "weight_compression", "scale_estimation")
	return out, nil
}

// skipCompressed drops candidates that already sit behind a decompressor, so
// re-running the transform never double-inserts.
func skipCompressed(g *graph.Graph, candidates []candidate) []candidate {
	var kept []candidate
	for _, cand := range candidates {
		already := false
		for _, c := range g.Consumers(graph.EdgeID{Node: cand.constName}) {
			if n, err := g.NodeByName(c.Node); err == nil && n.Op == graph.OpDecompressor {
				already = true
				break
			}
		}
		if !already {
			kept = append(kept, cand)
		}
	}
	return kept
}

// assignModes decides the effective mode per candidate: the primary mode, the
// backup mode, or "" for no compression. Order matches candidates.
func assignModes(candidates []candidate, mode Mode, opts Options) []Mode {
	assignments := make([]Mode, len(candidates))

	if !mode.Int4() {
		for i := range candidates {
			assignments[i] = mode
		}
		return assignments
	}

	backup := Mode("")
	if opts.backupMode() != BackupNone {
		backup = Mode(opts.backupMode())
	}

	var eligible []int
	for i, cand := range candidates {
		if !int4Eligible(cand, opts) {
			assignments[i] = backup
			continue
		}
		eligible = append(eligible, i)
	}

	// Die unempfindlichsten Kandidaten bekommen die primaere Praezision
	numPrimary := int(math.Round(opts.ratio() * float64(len(eligible))))
	sort.SliceStable(eligible, func(a, b int) bool {
		return candidates[eligible[a]].sensitivity < candidates[eligible[b]].sensitivity
	})
	for rank, i := range eligible {
		if rank < numPrimary {
			assignments[i] = mode
		} else {
			assignments[i] = backup
		}
	}
	return assignments
}

// computeSensitivities measures, per candidate, the L2 error of an int4
// quantize/dequantize round trip (the data-free weight quantization error
// metric). Errors are normalized by element count so layers of different
// sizes compare fairly.
func computeSensitivities(g *graph.Graph, candidates []candidate, opts Options) error {
	for i := range candidates {
		cand := &candidates[i]
		if !int4Eligible(*cand, opts) {
			continue
		}

		node, err := g.NodeByName(cand.constName)
		if err != nil {
			return err
		}
		w := node.Value.Float32s()

		groupSize := 0
		if gs := opts.groupSize(); gs > 0 {
			groupSize = gs
		}
		gp, err := quantize.Groupwise(w, cand.rows, cand.cols, groupSize, 4, true)
		if err != nil {
			return err
		}

		recon := gp.Dequantize(gp.Quantize(w))
		var sum float64
		for j := range w {
			d := float64(w[j] - recon[j])
			sum += d * d
		}
		cand.sensitivity = math.Sqrt(sum) / float64(len(w))
	}
	return nil
}

func int4Eligible(cand candidate, opts Options) bool {
	if cand.embedding && !opts.allLayers() {
		return false
	}
	if gs := opts.groupSize(); gs > 0 && cand.cols%gs != 0 {
		return false
	}
	// 4-Bit Packen braucht eine gerade Elementzahl
	return (cand.rows*cand.cols)%2 == 0
}

func applyCompression(g *graph.Graph, cand candidate, mode Mode, opts Options) error {
	node, err := g.NodeByName(cand.constName)
	if err != nil {
		return err
	}

	origShape := node.Value.Shape()
	w := node.Value.Float32s()

	groupSize := 0
	if mode.Int4() {
		if gs := opts.groupSize(); gs > 0 {
			groupSize = gs
		}
	}

	gp, err := quantize.Groupwise(w, cand.rows, cand.cols, groupSize, mode.Bits(), mode.Symmetric())
	if err != nil {
		return err
	}

	if opts.ScaleEstimation && mode.Int4() {
		if gp, err = (quantize.ScaleEstimation{}).Refine(gp, w); err != nil {
			return err
		}
	}

	q := gp.Quantize(w)
	payload, packed, err := encodePayload(q, cand, mode)
	if err != nil {
		return err
	}

	node.Value = payload

	decompName := DecompressorPrefix + cand.constName
	decomp, err := g.AddNode(decompName, graph.OpDecompressor)
	if err != nil {
		return err
	}
	decomp.SetAttr("kind", string(mode))
	decomp.SetAttr("group_size", strconv.Itoa(groupSize))
	decomp.SetAttr("rows", strconv.Itoa(cand.rows))
	decomp.SetAttr("cols", strconv.Itoa(cand.cols))
	decomp.SetAttr("shape", shapeAttr(origShape))
	decomp.SetAttr("packed", strconv.FormatBool(packed))

	scales := make([]float32, len(gp.Scales))
	for i, s := range gp.Scales {
		scales[i] = s.Float32()
	}
	scaleTensor, err := tensor.FromFloat16([]int{gp.Rows, gp.Groups}, scales)
	if err != nil {
		return err
	}
	if _, err := g.AddConstant(decompName+"/scale", scaleTensor); err != nil {
		return err
	}

	weightEdge := graph.EdgeID{Node: cand.constName, Port: 0}
	consumers := g.Consumers(weightEdge)

	if err := g.Connect(cand.constName, 0, decompName, 0); err != nil {
		return err
	}
	if err := g.Connect(decompName+"/scale", 0, decompName, 1); err != nil {
		return err
	}

	if !mode.Symmetric() {
		zpTensor, err := tensor.FromInt32([]int{gp.Rows, gp.Groups}, gp.ZeroPoints)
		if err != nil {
			return err
		}
		if _, err := g.AddConstant(decompName+"/zero_point", zpTensor); err != nil {
			return err
		}
		if err := g.Connect(decompName+"/zero_point", 0, decompName, 2); err != nil {
			return err
		}
	}

	for _, c := range consumers {
		if err := g.Connect(decompName, 0, c.Node, c.Port); err != nil {
			return err
		}
	}
	return nil
}

// encodePayload stores quantized values in the mode's native dtype: I8/U8 for
// int8 modes, two nibbles per byte for int4 modes.
func encodePayload(q []int32, cand candidate, mode Mode) (*tensor.Tensor, bool, error) {
	shape := []int{cand.rows, cand.cols}

	if !mode.Int4() {
		if mode.Symmetric() {
			values := make([]int8, len(q))
			for i, v := range q {
				values[i] = int8(v)
			}
			t, err := tensor.FromInt8(shape, values)
			return t, false, err
		}

		values := make([]uint8, len(q))
		for i, v := range q {
			values[i] = uint8(v)
		}
		t, err := tensor.FromUint8(shape, values)
		return t, false, err
	}

	if mode.Symmetric() {
		values := make([]int8, len(q))
		for i, v := range q {
			values[i] = int8(v)
		}
		flat, err := tensor.FromInt8([]int{len(values)}, values)
		if err != nil {
			return nil, false, err
		}
		t, err := tensor.PackInt4(flat)
		return t, true, err
	}

	values := make([]uint8, len(q))
	for i, v := range q {
		values[i] = uint8(v)
	}
	flat, err := tensor.FromUint8([]int{len(values)}, values)
	if err != nil {
		return nil, false, err
	}
	t, err := tensor.PackUint4(flat)
	return t, true, err
}

func shapeAttr(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}
