// refine.go - Optionale Verfeinerungs-Stufen fuer Gewichts-Parameter
//
// Dieses Modul enthaelt:
// - Refiner: steckbare Stufe, die eine initiale Parameter-Tabelle verbessert
// - ScaleEstimation: Suche nach Scale-Faktoren mit minimalem Rekonstruktionsfehler
package quantize

import (
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Refiner consumes an initial parameter table plus the original weight and
// returns a refined table. Stages are selected at configuration time; invalid
// combinations are rejected before any computation starts.
type Refiner interface {
	Name() string
	Refine(gp GroupParams, w []float32) (GroupParams, error)
}

// ScaleEstimation searches, per group, for a scale multiplier minimizing the
// L2 reconstruction error of the quantize/dequantize round trip.
type ScaleEstimation struct {
	// Steps is the number of multipliers probed in [0.8, 1.2].
	// Zero selects the default of 17.
	Steps int
}

func (ScaleEstimation) Name() string { return "scale_estimation" }

// Refine probes multipliers for every group independently and keeps the best.
func (se ScaleEstimation) Refine(gp GroupParams, w []float32) (GroupParams, error) {
	steps := se.Steps
	if steps <= 0 {
		steps = 17
	}

	span := gp.Cols
	if gp.GroupSize > 0 {
		span = gp.GroupSize
	}

	refined := gp
	refined.Scales = append([]float16.Float16(nil), gp.Scales...)

	group := make([]float32, span)
	recon := make([]float32, span)
	for r := 0; r < gp.Rows; r++ {
		for g := 0; g < gp.Groups; g++ {
			copy(group, w[r*gp.Cols+g*span:r*gp.Cols+(g+1)*span])

			base := gp.Scale(r, g)
			zp := gp.ZeroPoint(r, g)
			qmin, qmax := gp.Band()

			best, bestErr := base, math.Inf(1)
			for s := 0; s < steps; s++ {
				scale := base * (0.8 + 0.4*float32(s)/float32(steps-1))
				if scale <= 0 {
					continue
				}

				for i, v := range group {
					q := clamp32(roundToInt32(v/scale)+zp, qmin, qmax)
					recon[i] = float32(q-zp) * scale
				}

				if err := l2Distance(group, recon); err < bestErr {
					best, bestErr = scale, err
				}
			}

			refined.Scales[r*gp.Groups+g] = float16.Fromfloat32(best)
		}
	}
	return refined, nil
}

func l2Distance(a, b []float32) float64 {
	a64 := make([]float64, len(a))
	b64 := make([]float64, len(b))
	for i := range a {
		a64[i] = float64(a[i])
		b64[i] = float64(b[i])
	}
	return floats.Distance(a64, b64, 2)
}

func roundToInt32(v float32) int32 {
	return int32(math.Round(float64(v)))
}
