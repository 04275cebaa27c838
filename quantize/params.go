// params.go - Berechnung von Quantisierungs-Parametern
//
// Dieses Modul enthaelt:
// - Params: Scale/Zero-Point fuer eine Kante
// - FromRange: Formeln fuer symmetrische und asymmetrische Quantisierung
// - Preset: PERFORMANCE (symmetrisch) und MIXED (asymmetrisch) fuer Aktivierungen
package quantize

import (
	"errors"
	"fmt"
	"math"
)

// Error taxonomy of the calculator. Both are fatal to the current run and are
// raised before any calibration work starts where possible.
var (
	// ErrUnsupportedMode means the requested bit-width/mode combination has no
	// parameter formula, e.g. float-point-like modes on the integer path.
	ErrUnsupportedMode = errors.New("unsupported mode")

	// ErrParameterNotSupported means an option combination is explicitly
	// disallowed, e.g. a refinement pass on an int8-only mode.
	ErrParameterNotSupported = errors.New("parameter not supported")
)

// Preset selects how activation quantizers are configured.
type Preset string

const (
	// PresetPerformance quantizes activations symmetrically.
	PresetPerformance Preset = "performance"
	// PresetMixed quantizes activations asymmetrically.
	PresetMixed Preset = "mixed"
)

// ParsePreset parses a preset name.
func ParsePreset(s string) (Preset, error) {
	switch Preset(s) {
	case PresetPerformance, PresetMixed:
		return Preset(s), nil
	default:
		return "", fmt.Errorf("%w: preset %q", ErrUnsupportedMode, s)
	}
}

// Params are the quantization parameters of one edge.
//
// Invariants: Scale > 0; ZeroPoint and the effective [Qmin, Qmax] band lie
// within the representable range of Bits.
type Params struct {
	Scale     float32
	ZeroPoint int32
	Bits      int
	Signed    bool
	Qmin      int32
	Qmax      int32
}

// Config selects the formula FromRange applies.
type Config struct {
	Bits      int
	Symmetric bool

	// OverflowBound, when positive, narrows the effective quantized band to
	// [-bound, bound] (symmetric) or [0, 2*bound] (asymmetric), trading
	// resolution for safety on integer multiply-accumulate paths that cannot
	// represent the full range. See the overflow policy table.
	OverflowBound int32
}

// FromRange computes quantization parameters for an observed value range.
func FromRange(min, max float32, cfg Config) (Params, error) {
	if cfg.Bits != 8 && cfg.Bits != 4 {
		return Params{}, fmt.Errorf("%w: %d-bit integer quantization", ErrUnsupportedMode, cfg.Bits)
	}
	if min > max {
		return Params{}, fmt.Errorf("empty range [%g, %g]", min, max)
	}

	if cfg.Symmetric {
		qmax := int32(1)<<(cfg.Bits-1) - 1 // 127 bzw. 7
		if cfg.OverflowBound > 0 && cfg.OverflowBound < qmax {
			qmax = cfg.OverflowBound
		}

		amax := max32(abs32(min), abs32(max))
		scale := amax / float32(qmax)
		if scale <= 0 {
			scale = 1
		}

		return Params{
			Scale:  scale,
			Bits:   cfg.Bits,
			Signed: true,
			Qmin:   -qmax,
			Qmax:   qmax,
		}, nil
	}

	qmin, qmax := int32(0), int32(1)<<cfg.Bits-1 // 255 bzw. 15
	if bound := 2 * cfg.OverflowBound; bound > 0 && bound < qmax {
		qmax = bound
	}

	// Der Bereich muss die Null enthalten, damit Padding exakt bleibt
	min = min32(min, 0)
	max = max32(max, 0)

	scale := (max - min) / float32(qmax-qmin)
	if scale <= 0 {
		scale = 1
	}

	zp := int32(math.Round(float64(float32(qmin) - min/scale)))
	zp = clamp32(zp, qmin, qmax)

	return Params{
		Scale:     scale,
		ZeroPoint: zp,
		Bits:      cfg.Bits,
		Qmin:      qmin,
		Qmax:      qmax,
	}, nil
}

// Quantize maps a value into the effective integer band.
func (p Params) Quantize(v float32) int32 {
	q := int32(math.Round(float64(v/p.Scale))) + p.ZeroPoint
	return clamp32(q, p.Qmin, p.Qmax)
}

// Dequantize maps a quantized value back to working precision.
func (p Params) Dequantize(q int32) float32 {
	return float32(q-p.ZeroPoint) * p.Scale
}

// Validate checks the Params invariants.
func (p Params) Validate() error {
	if p.Scale <= 0 {
		return fmt.Errorf("scale %g is not positive", p.Scale)
	}
	if p.ZeroPoint < p.Qmin || p.ZeroPoint > p.Qmax {
		return fmt.Errorf("zero point %d outside band [%d, %d]", p.ZeroPoint, p.Qmin, p.Qmax)
	}
	return nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
