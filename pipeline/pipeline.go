// pipeline.go - Orchestrierung der Post-Training-Quantisierung
//
// Dieses Modul enthaelt:
// - Config: vollstaendige Lauf-Konfiguration mit eager Validierung
// - Quantize: Zustandsmaschine Idle -> Collecting -> Calibrating ->
//   Transforming -> CorrectingBias -> Done
//
// Die Pipeline ist strikt sequentiell und gibt bei jedem Fehler sofort auf;
// es gibt keinen partiellen Ergebnis-Graphen. Wiederholung ist Sache des
// Aufrufers, da die Kalibrierung bei gleichem Daten-Praefix deterministisch
// ist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slimml/slimml/backend"
	"github.com/slimml/slimml/biascorrect"
	"github.com/slimml/slimml/calibrate"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/quantize"
	"github.com/slimml/slimml/transform"
)

// State is one stage of the quantization run.
type State string

const (
	StateIdle           State = "Idle"
	StateCollecting     State = "Collecting"
	StateCalibrating    State = "Calibrating"
	StateTransforming   State = "Transforming"
	StateCorrectingBias State = "CorrectingBias"
	StateDone           State = "Done"
)

// Config is the full configuration of one quantization run.
type Config struct {
	// Preset selects symmetric (performance) or asymmetric (mixed)
	// activation quantization.
	Preset quantize.Preset

	// TargetDevice selects the backend and the overflow policy rows that
	// apply.
	TargetDevice backend.Device

	// SubsetSize bounds the calibration prefix. Must be positive.
	SubsetSize int

	// FastBiasCorrection corrects all bias nodes from one end-to-end
	// evaluation per sample instead of walking region by region.
	FastBiasCorrection bool

	// DisableBiasCorrection skips the correction stage entirely.
	DisableBiasCorrection bool

	// IgnoredScope excludes nodes from transformation.
	IgnoredScope transform.IgnoredScope

	// OverflowPolicy overrides the default per-device integer bounds when
	// its rule table is non-empty.
	OverflowPolicy quantize.OverflowPolicy
}

// Validate performs the eager checks that must fail before any calibration
// work starts.
func (c *Config) Validate() error {
	if c.Preset == "" {
		c.Preset = quantize.PresetPerformance
	}
	if _, err := quantize.ParsePreset(string(c.Preset)); err != nil {
		return err
	}

	if c.TargetDevice == "" {
		c.TargetDevice = backend.DeviceAny
	}

	if c.SubsetSize <= 0 {
		return fmt.Errorf("%w: subset size %d", calibrate.ErrInsufficientData, c.SubsetSize)
	}

	if len(c.OverflowPolicy.Rules) == 0 {
		c.OverflowPolicy = quantize.DefaultPolicy()
	}
	return nil
}

// Quantize runs the full post-training pipeline over the graph and returns
// the transformed copy. The input graph is never modified.
func Quantize(ctx context.Context, g *graph.Graph, ds calibrate.Dataset, cfg Config) (*graph.Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := slog.With("run_id", runID)
	started := time.Now()

	state := StateIdle
	advance := func(next State) {
		logger.Info("pipeline stage", "from", string(state), "to", string(next))
		state = next
	}

	be, err := backend.ForDevice(cfg.TargetDevice)
	if err != nil {
		return nil, err
	}

	// Collecting: Kandidaten bestimmen und Statistiken sammeln
	advance(StateCollecting)
	nodes := transform.QuantizableNodes(g, cfg.IgnoredScope)
	edges := transform.ActivationEdges(g, nodes)

	collector := &calibrate.Collector{Backend: be, SubsetSize: cfg.SubsetSize}
	stats, err := collector.Collect(ctx, g, ds, edges)
	if err != nil {
		return nil, err
	}

	// Calibrating: Parameter aus den Bereichen ableiten
	advance(StateCalibrating)
	inserts := make([]transform.EdgeInsert, 0, len(edges))
	for _, edge := range stats.Edges() {
		mm, ok := stats.Range(edge)
		if !ok {
			return nil, fmt.Errorf("no statistics for edge %s", edge)
		}

		params, err := quantize.FromRange(mm.Min, mm.Max, quantize.Config{
			Bits:      8,
			Symmetric: cfg.Preset == quantize.PresetPerformance,
		})
		if err != nil {
			return nil, fmt.Errorf("calibrating edge %s: %w", edge, err)
		}
		inserts = append(inserts, transform.EdgeInsert{Edge: edge, Params: params})
	}

	// Transforming: FakeQuantize einfuegen, Gewichte falten
	advance(StateTransforming)
	out, err := transform.InsertFakeQuantize(g, inserts)
	if err != nil {
		return nil, err
	}
	device := cfg.TargetDevice
	if device == backend.DeviceAny {
		// ANY laeuft auf dem CPU-Referenz-Backend, also gelten dessen Regeln
		device = backend.DeviceCPU
	}
	targets := transform.WeightTargets(out, transform.QuantizableNodes(out, cfg.IgnoredScope))
	if err := transform.FoldWeights(out, targets, cfg.OverflowPolicy, string(device)); err != nil {
		return nil, err
	}

	// CorrectingBias: systematischen Fehler kompensieren
	if !cfg.DisableBiasCorrection {
		advance(StateCorrectingBias)
		corrector := &biascorrect.Corrector{
			Backend:    be,
			SubsetSize: cfg.SubsetSize,
			Fast:       cfg.FastBiasCorrection,
		}
		if err := corrector.Correct(ctx, g, out, ds); err != nil {
			return nil, err
		}
	}

	writeMetadata(out, cfg, runID)

	advance(StateDone)
	logger.Info("quantization finished",
		"nodes", len(nodes),
		"fake_quantize", len(inserts),
		"folded_weights", len(targets),
		"samples", stats.Samples(),
		"duration", time.Since(started))
	return out, nil
}

// writeMetadata records the run configuration as provenance on the output
// graph under the fixed nncf/quantization namespace.
func writeMetadata(g *graph.Graph, cfg Config, runID string) {
	set := func(value string, path ...string) {
		g.SetRTInfo(value, append([]string{"nncf", "quantization"}, path...)...)
	}

	set(string(cfg.Preset), "preset")
	set(string(cfg.TargetDevice), "target_device")
	set(strconv.Itoa(cfg.SubsetSize), "subset_size")
	set(strconv.FormatBool(cfg.FastBiasCorrection), "fast_bias_correction")
	set(runID, "run_id")
	set(strings.Join(cfg.IgnoredScope.Names, ","), "ignored_scope", "names")
	set(strings.Join(cfg.IgnoredScope.Types, ","), "ignored_scope", "types")
}
