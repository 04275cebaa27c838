// groupwise.go - Gruppenweise Gewichts-Quantisierung
//
// Dieses Modul enthaelt:
// - GroupParams: Scale/Zero-Point Tabelle pro Gewichts-Gruppe
// - Groupwise: Partitioniert Gewichtszeilen in Gruppen fester Groesse
//
// Scales werden wie im Original in halber Praezision gehalten.
package quantize

import (
	"fmt"

	"github.com/x448/float16"
)

// GroupParams is the scale (and zero-point) table of one group-wise quantized
// weight. Groups run along the column axis: element (r, c) belongs to group
// c / GroupSize of row r. GroupSize 0 means one group per row, i.e. plain
// per-channel quantization.
type GroupParams struct {
	Bits      int
	Symmetric bool
	GroupSize int
	Rows      int
	Cols      int
	Groups    int

	// Scales ist Rows*Groups gross und wird in fp16 gespeichert
	Scales []float16.Float16

	// ZeroPoints ist nil im symmetrischen Fall
	ZeroPoints []int32
}

// Groupwise computes a group-wise parameter table for a weight stored
// row-major as rows x cols.
func Groupwise(w []float32, rows, cols, groupSize, bits int, symmetric bool) (GroupParams, error) {
	if bits != 8 && bits != 4 {
		return GroupParams{}, fmt.Errorf("%w: %d-bit weight quantization", ErrUnsupportedMode, bits)
	}
	if len(w) != rows*cols {
		return GroupParams{}, fmt.Errorf("weight has %d values, want %d", len(w), rows*cols)
	}

	groups := 1
	if groupSize > 0 {
		if cols%groupSize != 0 {
			return GroupParams{}, fmt.Errorf("group size %d does not divide %d columns", groupSize, cols)
		}
		groups = cols / groupSize
	}

	gp := GroupParams{
		Bits:      bits,
		Symmetric: symmetric,
		GroupSize: groupSize,
		Rows:      rows,
		Cols:      cols,
		Groups:    groups,
		Scales:    make([]float16.Float16, rows*groups),
	}
	if !symmetric {
		gp.ZeroPoints = make([]int32, rows*groups)
	}

	span := cols / groups
	for r := 0; r < rows; r++ {
		for g := 0; g < groups; g++ {
			lo, hi := w[r*cols+g*span], w[r*cols+g*span]
			for _, v := range w[r*cols+g*span : r*cols+(g+1)*span] {
				lo = min32(lo, v)
				hi = max32(hi, v)
			}

			p, err := FromRange(lo, hi, Config{Bits: bits, Symmetric: symmetric})
			if err != nil {
				return GroupParams{}, err
			}

			gp.Scales[r*groups+g] = float16.Fromfloat32(p.Scale)
			if !symmetric {
				gp.ZeroPoints[r*groups+g] = p.ZeroPoint
			}
		}
	}
	return gp, nil
}

// Scale returns the working-precision scale of group g in row r.
func (gp GroupParams) Scale(r, g int) float32 {
	return gp.Scales[r*gp.Groups+g].Float32()
}

// ZeroPoint returns the zero point of group g in row r, 0 when symmetric.
func (gp GroupParams) ZeroPoint(r, g int) int32 {
	if gp.ZeroPoints == nil {
		return 0
	}
	return gp.ZeroPoints[r*gp.Groups+g]
}

// Band returns the representable integer band of the table.
func (gp GroupParams) Band() (int32, int32) {
	if gp.Symmetric {
		qmax := int32(1)<<(gp.Bits-1) - 1
		return -qmax, qmax
	}
	return 0, int32(1)<<gp.Bits - 1
}

func (gp GroupParams) group(c int) int {
	if gp.GroupSize <= 0 {
		return 0
	}
	return c / gp.GroupSize
}

// Quantize maps the weight into its integer representation.
func (gp GroupParams) Quantize(w []float32) []int32 {
	qmin, qmax := gp.Band()
	q := make([]int32, len(w))
	for r := 0; r < gp.Rows; r++ {
		for c := 0; c < gp.Cols; c++ {
			i := r*gp.Cols + c
			g := gp.group(c)
			scale := gp.Scale(r, g)
			if scale == 0 {
				scale = 1
			}
			q[i] = clamp32(roundToInt32(w[i]/scale)+gp.ZeroPoint(r, g), qmin, qmax)
		}
	}
	return q
}

// Dequantize expands an integer representation back to working precision.
func (gp GroupParams) Dequantize(q []int32) []float32 {
	w := make([]float32, len(q))
	for r := 0; r < gp.Rows; r++ {
		for c := 0; c < gp.Cols; c++ {
			i := r*gp.Cols + c
			g := gp.group(c)
			w[i] = float32(q[i]-gp.ZeroPoint(r, g)) * gp.Scale(r, g)
		}
	}
	return w
}
