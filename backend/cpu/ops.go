// ops.go - Operator-Kernel des CPU-Backends
//
// Dieses Modul enthaelt:
// - Dichte Kernel: matMul, conv2d, eltwise mit Broadcasting, maxPool, ...
// - Quantisierungs-Operatoren: fakeQuantize, Dequantize, WeightsDecompressor
//
// Alle Kernel arbeiten in float32 und sind auf Korrektheit, nicht auf
// Geschwindigkeit ausgelegt.
package cpu

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

func atoiAttr(n *graph.Node, key string, def int) int {
	if s := n.Attr(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

func atofAttr(n *graph.Node, key string, def float64) float64 {
	if s := n.Attr(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return def
}

// matMul computes a @ w (+ bias). a is [..., K] with leading dims collapsed
// to rows, w is [K, N] or [N, K] when transposed.
func matMul(a, w *tensor.Tensor, transposeB bool, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("matmul weight has rank %d, want 2", w.Rank())
	}

	aShape := a.Shape()
	if len(aShape) == 0 {
		return nil, fmt.Errorf("matmul input is a scalar")
	}

	k := aShape[len(aShape)-1]
	m := a.Numel() / k

	wk, n := w.Dim(0), w.Dim(1)
	if transposeB {
		wk, n = n, wk
	}
	if wk != k {
		return nil, fmt.Errorf("matmul shapes %v x %v do not agree", aShape, w.Shape())
	}

	av := a.Float32s()
	wv := w.Float32s()

	var bv []float32
	if bias != nil {
		bv = bias.Float32s()
		if len(bv) != n {
			return nil, fmt.Errorf("bias has %d values, want %d", len(bv), n)
		}
	}

	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for x := 0; x < k; x++ {
				if transposeB {
					sum += av[i*k+x] * wv[j*k+x]
				} else {
					sum += av[i*k+x] * wv[x*n+j]
				}
			}
			if bv != nil {
				sum += bv[j]
			}
			out[i*n+j] = sum
		}
	}

	outShape := append(append([]int{}, aShape[:len(aShape)-1]...), n)
	return tensor.FromFloat32(outShape, out)
}

// conv2d computes a 2-D convolution over NCHW input with an FCHW weight,
// given stride and no padding.
func conv2d(x, w, bias *tensor.Tensor, stride int) (*tensor.Tensor, error) {
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, fmt.Errorf("conv2d wants rank-4 input and weight, got %v and %v", x.Shape(), w.Shape())
	}
	if stride < 1 {
		stride = 1
	}

	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	f, wc, kh, kw := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	if wc != c {
		return nil, fmt.Errorf("conv2d channels %d do not match weight channels %d", c, wc)
	}

	ho := (h-kh)/stride + 1
	wo := (wd-kw)/stride + 1
	if ho < 1 || wo < 1 {
		return nil, fmt.Errorf("conv2d kernel %dx%d larger than input %dx%d", kh, kw, h, wd)
	}

	xv := x.Float32s()
	wv := w.Float32s()

	var bv []float32
	if bias != nil {
		bv = bias.Float32s()
		if len(bv) != f {
			return nil, fmt.Errorf("bias has %d values, want %d", len(bv), f)
		}
	}

	out := make([]float32, n*f*ho*wo)
	for b := 0; b < n; b++ {
		for of := 0; of < f; of++ {
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					var sum float32
					for ic := 0; ic < c; ic++ {
						for ky := 0; ky < kh; ky++ {
							for kx := 0; kx < kw; kx++ {
								iy, ix := oy*stride+ky, ox*stride+kx
								sum += xv[((b*c+ic)*h+iy)*wd+ix] * wv[((of*c+ic)*kh+ky)*kw+kx]
							}
						}
					}
					if bv != nil {
						sum += bv[of]
					}
					out[((b*f+of)*ho+oy)*wo+ox] = sum
				}
			}
		}
	}
	return tensor.FromFloat32([]int{n, f, ho, wo}, out)
}

// eltwise applies Add/Subtract/Multiply with right-aligned broadcasting.
func eltwise(op string, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := broadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, err
	}

	av, bv := a.Float32s(), b.Float32s()
	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)

	numel := 1
	for _, d := range outShape {
		numel *= d
	}

	out := make([]float32, numel)
	index := make([]int, len(outShape))
	for i := range out {
		var ai, bi int
		for d := range index {
			ai += index[d] * aStrides[d]
			bi += index[d] * bStrides[d]
		}

		switch op {
		case graph.OpAdd:
			out[i] = av[ai] + bv[bi]
		case graph.OpSubtract:
			out[i] = av[ai] - bv[bi]
		case graph.OpMultiply:
			out[i] = av[ai] * bv[bi]
		}

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < outShape[d] {
				break
			}
			index[d] = 0
		}
	}
	return tensor.FromFloat32(outShape, out)
}

func broadcastShapes(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		ad, bd := 1, 1
		if i >= n-len(a) {
			ad = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			bd = b[i-(n-len(b))]
		}

		switch {
		case ad == bd, bd == 1:
			out[i] = ad
		case ad == 1:
			out[i] = bd
		default:
			return nil, fmt.Errorf("cannot broadcast %v with %v", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns per-dimension element strides of shape aligned to
// outShape, with 0 for broadcast dimensions.
func broadcastStrides(shape, outShape []int) []int {
	strides := make([]int, len(outShape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		d := i + len(outShape) - len(shape)
		if shape[i] != 1 {
			strides[d] = stride
		}
		stride *= shape[i]
	}
	return strides
}

func relu(x *tensor.Tensor) *tensor.Tensor {
	v := x.Float32s()
	for i, f := range v {
		if f < 0 {
			v[i] = 0
		}
	}
	out, _ := tensor.FromFloat32(x.Shape(), v)
	return out
}

// maxPool applies square max pooling with stride equal to the kernel size
// over NCHW input.
func maxPool(x *tensor.Tensor, kernel int) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("maxpool wants rank-4 input, got %v", x.Shape())
	}

	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	ho, wo := h/kernel, w/kernel

	xv := x.Float32s()
	out := make([]float32, n*c*ho*wo)
	for b := 0; b < n; b++ {
		for ic := 0; ic < c; ic++ {
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					best := float32(math.Inf(-1))
					for ky := 0; ky < kernel; ky++ {
						for kx := 0; kx < kernel; kx++ {
							v := xv[((b*c+ic)*h+oy*kernel+ky)*w+ox*kernel+kx]
							if v > best {
								best = v
							}
						}
					}
					out[((b*c+ic)*ho+oy)*wo+ox] = best
				}
			}
		}
	}
	return tensor.FromFloat32([]int{n, c, ho, wo}, out)
}

// reshape applies the node's shape attribute, a comma-separated dim list
// where -1 infers one dimension.
func reshape(x *tensor.Tensor, attr string) (*tensor.Tensor, error) {
	if attr == "" {
		return nil, fmt.Errorf("reshape node has no shape attribute")
	}

	parts := strings.Split(attr, ",")
	shape := make([]int, len(parts))
	infer := -1
	known := 1
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad reshape dim %q: %w", p, err)
		}
		shape[i] = d
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("reshape %q has two inferred dims", attr)
			}
			infer = i
		} else {
			known *= d
		}
	}
	if infer >= 0 {
		shape[infer] = x.Numel() / known
	}

	out := x.Clone()
	if err := out.Reshape(shape); err != nil {
		return nil, err
	}
	return out, nil
}

// split cuts the tensor into equal parts along an axis, one output per part.
func split(x *tensor.Tensor, axis, parts int) ([]*tensor.Tensor, error) {
	shape := x.Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("split axis %d out of range for %v", axis, shape)
	}
	if parts < 1 || shape[axis]%parts != 0 {
		return nil, fmt.Errorf("cannot split dim %d into %d parts", shape[axis], parts)
	}

	outer := 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range shape[axis+1:] {
		inner *= d
	}

	span := shape[axis] / parts
	xv := x.Float32s()

	outShape := append([]int{}, shape...)
	outShape[axis] = span

	outputs := make([]*tensor.Tensor, parts)
	for p := 0; p < parts; p++ {
		out := make([]float32, outer*span*inner)
		for o := 0; o < outer; o++ {
			src := (o*shape[axis] + p*span) * inner
			dst := o * span * inner
			copy(out[dst:dst+span*inner], xv[src:src+span*inner])
		}
		t, err := tensor.FromFloat32(outShape, out)
		if err != nil {
			return nil, err
		}
		outputs[p] = t
	}
	return outputs, nil
}

// concat joins tensors along an axis. All other dimensions must agree.
func concat(inputs []*tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat has no inputs")
	}

	shape := inputs[0].Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("concat axis %d out of range for %v", axis, shape)
	}

	outer := 1
	for _, d := range shape[:axis] {
		outer *= d
	}

	total := 0
	for _, in := range inputs {
		total += in.Dim(axis)
	}

	inner := 1
	for _, d := range shape[axis+1:] {
		inner *= d
	}

	outShape := append([]int{}, shape...)
	outShape[axis] = total

	out := make([]float32, outer*total*inner)
	offset := 0
	for _, in := range inputs {
		iv := in.Float32s()
		span := in.Dim(axis) * inner
		for o := 0; o < outer; o++ {
			copy(out[o*total*inner+offset:], iv[o*span:(o+1)*span])
		}
		offset += span
	}
	return tensor.FromFloat32(outShape, out)
}

// gather looks up rows of data by index, the embedding access pattern.
func gather(data, indices *tensor.Tensor) (*tensor.Tensor, error) {
	if data.Rank() < 2 {
		return nil, fmt.Errorf("gather data has rank %d, want >= 2", data.Rank())
	}

	rows := data.Dim(0)
	cols := data.Numel() / rows
	dv := data.Float32s()

	iv := indices.Float32s()
	out := make([]float32, len(iv)*cols)
	for i, fidx := range iv {
		idx := int(fidx)
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("gather index %d out of range [0, %d)", idx, rows)
		}
		copy(out[i*cols:], dv[idx*cols:(idx+1)*cols])
	}

	outShape := append(indices.Shape(), data.Shape()[1:]...)
	return tensor.FromFloat32(outShape, out)
}

// fakeQuantize simulates quantization: quantize then immediately dequantize,
// preserving shape and dtype while introducing quantization error.
func fakeQuantize(x *tensor.Tensor, n *graph.Node) (*tensor.Tensor, error) {
	scale := float32(atofAttr(n, "scale", 0))
	if scale <= 0 {
		return nil, fmt.Errorf("fake-quantize node %s has scale %g", n.Name, scale)
	}
	zp := int32(atoiAttr(n, "zero_point", 0))
	qmin := int32(atoiAttr(n, "qmin", -127))
	qmax := int32(atoiAttr(n, "qmax", 127))

	v := x.Float32s()
	for i, f := range v {
		q := int32(math.Round(float64(f/scale))) + zp
		if q < qmin {
			q = qmin
		}
		if q > qmax {
			q = qmax
		}
		v[i] = float32(q-zp) * scale
	}
	return tensor.FromFloat32(x.Shape(), v)
}

// evalDequantize expands a folded integer constant: port 0 carries the
// quantized values, port 1 the scale (scalar or per output channel), port 2
// an optional zero point.
func (e *evaluator) evalDequantize(n *graph.Node) ([]*tensor.Tensor, error) {
	q, err := e.input(n.Name, 0)
	if err != nil {
		return nil, err
	}
	scale, err := e.input(n.Name, 1)
	if err != nil {
		return nil, err
	}

	var zp *tensor.Tensor
	if n.NumInputs() > 2 {
		if zp, err = e.input(n.Name, 2); err != nil {
			return nil, err
		}
	}

	rows := q.Dim(0)
	span := q.Numel() / rows

	sv := scale.Float32s()
	if len(sv) != 1 && len(sv) != rows {
		return nil, fmt.Errorf("scale has %d values, want 1 or %d", len(sv), rows)
	}

	var zv []float32
	if zp != nil {
		zv = zp.Float32s()
		if len(zv) != len(sv) {
			return nil, fmt.Errorf("zero point has %d values, want %d", len(zv), len(sv))
		}
	}

	qv := q.Float32s()
	out := make([]float32, len(qv))
	for r := 0; r < rows; r++ {
		s := sv[0]
		var z float32
		if len(sv) == rows {
			s = sv[r]
		}
		if zv != nil {
			if len(zv) == rows {
				z = zv[r]
			} else {
				z = zv[0]
			}
		}
		for c := 0; c < span; c++ {
			out[r*span+c] = (qv[r*span+c] - z) * s
		}
	}

	t, err := tensor.FromFloat32(q.Shape(), out)
	return []*tensor.Tensor{t}, err
}

// evalDecompressor expands a compressed weight back to working precision.
// Port 0 carries the stored weight (packed for int4 kinds), port 1 the fp16
// scale table, port 2 the zero-point table for asymmetric kinds.
func (e *evaluator) evalDecompressor(n *graph.Node) ([]*tensor.Tensor, error) {
	stored, err := e.input(n.Name, 0)
	if err != nil {
		return nil, err
	}
	scale, err := e.input(n.Name, 1)
	if err != nil {
		return nil, err
	}

	var zp *tensor.Tensor
	if n.NumInputs() > 2 {
		if zp, err = e.input(n.Name, 2); err != nil {
			return nil, err
		}
	}

	rows := atoiAttr(n, "rows", 0)
	cols := atoiAttr(n, "cols", 0)
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("decompressor %s has no rows/cols attributes", n.Name)
	}

	if n.Attr("packed") == "true" {
		kind := n.Attr("kind")
		if strings.HasSuffix(kind, "_sym") {
			if stored, err = tensor.UnpackInt4(stored); err != nil {
				return nil, err
			}
		} else {
			if stored, err = tensor.UnpackUint4(stored); err != nil {
				return nil, err
			}
		}
	}

	qv := stored.Float32s()
	if len(qv) != rows*cols {
		return nil, fmt.Errorf("stored weight has %d values, want %d", len(qv), rows*cols)
	}

	sv := scale.Float32s()
	groups := len(sv) / rows
	if groups == 0 || len(sv) != rows*groups || cols%groups != 0 {
		return nil, fmt.Errorf("scale table %d does not tile %dx%d", len(sv), rows, cols)
	}
	span := cols / groups

	var zv []float32
	if zp != nil {
		zv = zp.Float32s()
		if len(zv) != len(sv) {
			return nil, fmt.Errorf("zero-point table has %d values, want %d", len(zv), len(sv))
		}
	}

	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g := c / span
			v := qv[r*cols+c]
			if zv != nil {
				v -= zv[r*groups+g]
			}
			out[r*cols+c] = v * sv[r*groups+g]
		}
	}

	shape := []int{rows, cols}
	if attr := n.Attr("shape"); attr != "" {
		if shape, err = parseShapeAttr(attr); err != nil {
			return nil, err
		}
	}

	t, err := tensor.FromFloat32(shape, out)
	return []*tensor.Tensor{t}, err
}

func parseShapeAttr(attr string) ([]int, error) {
	parts := strings.Split(attr, "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad shape attribute %q: %w", attr, err)
		}
		shape[i] = d
	}
	return shape, nil
}
