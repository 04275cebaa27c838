// cmd_compress.go - Compress-Weights Command
// Hauptfunktionen: newCompressCmd, CompressHandler
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/slimml/slimml/compress"
)

// newCompressCmd - Erstellt den compress-weights Command
func newCompressCmd() *cobra.Command {
	compressCmd := &cobra.Command{
		Use:   "compress-weights INPUT OUTPUT",
		Short: "Compress model weights to int8 or int4",
		Args:  cobra.ExactArgs(2),
		RunE:  CompressHandler,
	}

	compressCmd.Flags().String("mode", string(compress.ModeInt8Asym), "Compression mode (int8_sym, int8_asym, int4_sym, int4_asym)")
	compressCmd.Flags().Float64("ratio", 0, "Fraction of eligible weights in the primary int4 precision")
	compressCmd.Flags().Int("group-size", 0, "Group length along the input channel axis, -1 for per-channel")
	compressCmd.Flags().Bool("all-layers", false, "Include embeddings in the primary precision")
	compressCmd.Flags().String("backup-mode", "", "Precision for weights spared from int4 (none, int8_sym, int8_asym)")
	compressCmd.Flags().String("sensitivity-metric", "", "Metric ranking weights for mixed precision")
	compressCmd.Flags().Bool("scale-estimation", false, "Refine scales by grid search over the reconstruction error")

	return compressCmd
}

// CompressHandler - Fuehrt die Gewichts-Kompression auf einer Graph-Datei aus
func CompressHandler(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	mode, _ := cmd.Flags().GetString("mode")
	opts := compress.Options{Mode: compress.Mode(mode)}

	if cmd.Flags().Changed("ratio") {
		ratio, _ := cmd.Flags().GetFloat64("ratio")
		opts.Ratio = &ratio
	}
	if cmd.Flags().Changed("group-size") {
		groupSize, _ := cmd.Flags().GetInt("group-size")
		opts.GroupSize = &groupSize
	}
	if cmd.Flags().Changed("all-layers") {
		allLayers, _ := cmd.Flags().GetBool("all-layers")
		opts.AllLayers = &allLayers
	}
	opts.BackupMode, _ = cmd.Flags().GetString("backup-mode")
	opts.SensitivityMetric, _ = cmd.Flags().GetString("sensitivity-metric")
	opts.ScaleEstimation, _ = cmd.Flags().GetBool("scale-estimation")

	out, err := compress.CompressWeights(g, opts)
	if err != nil {
		return err
	}

	return saveGraph(args[1], out)
}
