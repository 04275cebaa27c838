// cmd_quantize.go - Quantize Command
// Hauptfunktionen: newQuantizeCmd, QuantizeHandler
package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slimml/slimml/backend"
	_ "github.com/slimml/slimml/backend/cpu"
	"github.com/slimml/slimml/calibrate"
	"github.com/slimml/slimml/envconfig"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/graph/dotfmt"
	"github.com/slimml/slimml/pipeline"
	"github.com/slimml/slimml/quantize"
	"github.com/slimml/slimml/tensor"
	"github.com/slimml/slimml/transform"
)

// newQuantizeCmd - Erstellt den quantize Command
func newQuantizeCmd() *cobra.Command {
	quantizeCmd := &cobra.Command{
		Use:   "quantize INPUT OUTPUT",
		Short: "Quantize a model graph with synthetic calibration data",
		Args:  cobra.ExactArgs(2),
		RunE:  QuantizeHandler,
	}

	quantizeCmd.Flags().String("preset", envconfig.Preset(), "Quantization preset (performance, mixed)")
	quantizeCmd.Flags().String("device", envconfig.Device(), "Target device (ANY, CPU, GPU, NPU)")
	quantizeCmd.Flags().Int("subset-size", envconfig.SubsetSize(), "Number of calibration samples")
	quantizeCmd.Flags().Bool("fast-bias-correction", envconfig.FastBiasCorrection(), "Use the fast bias correction path")
	quantizeCmd.Flags().Bool("no-bias-correction", false, "Skip bias correction entirely")
	quantizeCmd.Flags().StringSlice("ignore-names", nil, "Node names excluded from quantization")
	quantizeCmd.Flags().StringSlice("ignore-types", nil, "Operator types excluded from quantization")
	quantizeCmd.Flags().String("overflow-policy", envconfig.OverflowPolicyPath(), "Path to a YAML overflow policy table")
	quantizeCmd.Flags().Int64("seed", 0, "Seed for the synthetic calibration data")

	return quantizeCmd
}

// QuantizeHandler - Fuehrt die Quantisierungs-Pipeline auf einer Graph-Datei aus
func QuantizeHandler(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	preset, _ := cmd.Flags().GetString("preset")
	device, _ := cmd.Flags().GetString("device")
	subsetSize, _ := cmd.Flags().GetInt("subset-size")
	fast, _ := cmd.Flags().GetBool("fast-bias-correction")
	noBias, _ := cmd.Flags().GetBool("no-bias-correction")
	ignoreNames, _ := cmd.Flags().GetStringSlice("ignore-names")
	ignoreTypes, _ := cmd.Flags().GetStringSlice("ignore-types")
	policyPath, _ := cmd.Flags().GetString("overflow-policy")
	seed, _ := cmd.Flags().GetInt64("seed")

	cfg := pipeline.Config{
		Preset:                quantize.Preset(preset),
		TargetDevice:          backend.Device(device),
		SubsetSize:            subsetSize,
		FastBiasCorrection:    fast,
		DisableBiasCorrection: noBias,
		IgnoredScope:          transform.IgnoredScope{Names: ignoreNames, Types: ignoreTypes},
	}

	if policyPath != "" {
		data, err := os.ReadFile(policyPath)
		if err != nil {
			return err
		}
		policy, err := quantize.LoadPolicy(data)
		if err != nil {
			return fmt.Errorf("loading overflow policy %s: %w", policyPath, err)
		}
		cfg.OverflowPolicy = policy
	}

	ds, err := syntheticDataset(g, subsetSize, seed)
	if err != nil {
		return err
	}

	out, err := pipeline.Quantize(cmd.Context(), g, ds, cfg)
	if err != nil {
		return err
	}

	return saveGraph(args[1], out)
}

// syntheticDataset - Erzeugt deterministische Zufalls-Samples aus den
// Shape-Attributen der Parameter-Knoten
func syntheticDataset(g *graph.Graph, samples int, seed int64) (calibrate.Dataset, error) {
	params := g.InputNodes()
	if len(params) == 0 {
		return nil, fmt.Errorf("graph has no parameter nodes")
	}

	rng := rand.New(rand.NewSource(seed))
	set := make([]calibrate.Sample, 0, samples)
	for i := 0; i < samples; i++ {
		sample := calibrate.Sample{}
		for _, p := range params {
			shape, err := parseShapeAttr(p.Attr("shape"))
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}

			numel := 1
			for _, d := range shape {
				numel *= d
			}
			values := make([]float32, numel)
			for j := range values {
				values[j] = float32(rng.NormFloat64())
			}

			t, err := tensor.FromFloat32(shape, values)
			if err != nil {
				return nil, err
			}
			sample[p.Name] = t
		}
		set = append(set, sample)
	}
	return calibrate.NewSliceDataset(set...), nil
}

func parseShapeAttr(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing shape attribute")
	}

	parts := strings.Split(s, "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

func loadGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	g, err := dotfmt.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return g, nil
}

func saveGraph(path string, g *graph.Graph) error {
	return os.WriteFile(path, []byte(dotfmt.Export(g)), 0o644)
}
