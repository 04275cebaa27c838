// options.go - Konfiguration der Gewichts-Kompression
//
// Dieses Modul enthaelt:
// - Options: alle Parameter von CompressWeights
// - Validate: eifrige Pruefung aller Kombinationen, bevor Arbeit anfaellt
//
// Optionale Parameter sind Pointer, damit "nicht gesetzt" von einem explizit
// gesetzten Default unterscheidbar bleibt: int8-Modi lehnen jeden explizit
// uebergebenen int4-Parameter ab.
package compress

import (
	"fmt"

	"github.com/slimml/slimml/quantize"
)

// Sensitivity metrics for mixed-precision assignment. Only the quantization
// error metric is data-free; the others need calibration activations, which
// CompressWeights does not consume.
const (
	SensitivityWeightQuantizationError = "weight_quantization_error"
	SensitivityHessianInputActivation  = "hessian_input_activation"
	SensitivityMeanActivationVariance  = "mean_activation_variance"
	SensitivityMaxActivationVariance   = "max_activation_variance"
	SensitivityMeanActivationMagnitude = "mean_activation_magnitude"
)

// Backup modes for weights that cannot take the primary int4 precision.
const (
	BackupNone     = "none"
	BackupInt8Sym  = "int8_sym"
	BackupInt8Asym = "int8_asym"
)

// Options configures CompressWeights. The zero value selects int8 asymmetric
// compression of all candidate weights.
type Options struct {
	Mode Mode

	// Ratio is the fraction of int4-eligible weights compressed to the
	// primary precision; the rest keep the backup precision.
	Ratio *float64

	// GroupSize is the int4 group length along the input channel axis.
	// -1 selects per-channel scales. Defaults to 128.
	GroupSize *int

	// AllLayers includes embeddings and other usually spared layers in the
	// primary precision.
	AllLayers *bool

	SensitivityMetric string
	BackupMode        string

	// Verfeinerungs-Stufen
	AWQ             bool
	GPTQ            bool
	ScaleEstimation bool
	LoraCorrection  bool

	// StatisticsPath enables statistics caching, which is not supported.
	StatisticsPath string
}

func (o Options) mode() Mode {
	if o.Mode == "" {
		return ModeInt8Asym
	}
	return o.Mode
}

func (o Options) ratio() float64 {
	if o.Ratio == nil {
		return 1
	}
	return *o.Ratio
}

func (o Options) groupSize() int {
	if o.GroupSize == nil {
		return 128
	}
	return *o.GroupSize
}

func (o Options) allLayers() bool {
	return o.AllLayers != nil && *o.AllLayers
}

func (o Options) backupMode() string {
	if o.BackupMode == "" {
		return BackupInt8Asym
	}
	return o.BackupMode
}

// Validate checks the option combination eagerly, before any statistics or
// weight work starts. Violations map to ErrParameterNotSupported, unknown
// modes to ErrUnsupportedMode.
func (o Options) Validate() error {
	mode := o.mode()
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if mode == ModeNF4 || mode == ModeE2M1 {
		return fmt.Errorf("%w: mode %s has no integer parameter formula", quantize.ErrUnsupportedMode, mode)
	}

	if o.StatisticsPath != "" {
		return fmt.Errorf("%w: statistics caching", quantize.ErrParameterNotSupported)
	}

	type check struct {
		name string
		set  bool
	}

	if !mode.Int4() {
		for _, c := range []check{
			{"ratio", o.Ratio != nil},
			{"group_size", o.GroupSize != nil},
			{"all_layers", o.AllLayers != nil},
			{"sensitivity_metric", o.SensitivityMetric != ""},
			{"backup_mode", o.BackupMode != ""},
			{"awq", o.AWQ},
			{"gptq", o.GPTQ},
			{"scale_estimation", o.ScaleEstimation},
			{"lora_correction", o.LoraCorrection},
		} {
			if c.set {
				return fmt.Errorf("%w: %s with %s mode", quantize.ErrParameterNotSupported, c.name, mode)
			}
		}
		return nil
	}

	// int4-Modi
	for _, c := range []check{
		{"gptq", o.GPTQ},
		{"awq", o.AWQ},
		{"lora_correction", o.LoraCorrection},
	} {
		if c.set {
			return fmt.Errorf("%w: %s with %s mode", quantize.ErrParameterNotSupported, c.name, mode)
		}
	}

	if m := o.SensitivityMetric; m != "" && m != SensitivityWeightQuantizationError {
		switch m {
		case SensitivityHessianInputActivation, SensitivityMeanActivationVariance,
			SensitivityMaxActivationVariance, SensitivityMeanActivationMagnitude:
			return fmt.Errorf("%w: sensitivity metric %s requires calibration data", quantize.ErrParameterNotSupported, m)
		default:
			return fmt.Errorf("unknown sensitivity metric %q", m)
		}
	}

	if r := o.ratio(); r <= 0 || r > 1 {
		return fmt.Errorf("ratio %g outside (0, 1]", r)
	}
	if gs := o.groupSize(); gs == 0 || gs < -1 {
		return fmt.Errorf("invalid group size %d", gs)
	}

	switch o.backupMode() {
	case BackupNone, BackupInt8Sym, BackupInt8Asym:
	default:
		return fmt.Errorf("unknown backup mode %q", o.BackupMode)
	}
	return nil
}
