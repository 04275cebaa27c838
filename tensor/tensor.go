// tensor.go - Dichte Tensoren mit festem Datentyp
//
// Dieses Modul enthaelt:
// - Tensor: Shape + rohes Daten-Backing, Zugriff ueber typisierte Slices
// - Konstruktoren fuer F32/F16/BF16/I8/U8/I32
// - Float32s: Dekodierung in Arbeitspraezision
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a dense n-dimensional array. Data is stored row-major in the
// dtype's native encoding; all arithmetic happens in float32 working
// precision via Float32s.
type Tensor struct {
	dtype DType
	shape []int
	data  []byte
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func newTensor(dtype DType, shape []int, want int) (*Tensor, error) {
	if n := numel(shape); n != want {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d values", shape, n, want)
	}
	return &Tensor{dtype: dtype, shape: slices.Clone(shape)}, nil
}

// FromFloat32 creates an F32 tensor from the given values.
func FromFloat32(shape []int, values []float32) (*Tensor, error) {
	t, err := newTensor(DTypeF32, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.data[4*i:], math.Float32bits(v))
	}
	return t, nil
}

// FromFloat16 creates an F16 tensor, rounding values to half precision.
func FromFloat16(shape []int, values []float32) (*Tensor, error) {
	t, err := newTensor(DTypeF16, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(t.data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return t, nil
}

// FromBFloat16 creates a BF16 tensor, truncating values to bfloat16.
func FromBFloat16(shape []int, values []float32) (*Tensor, error) {
	t, err := newTensor(DTypeBF16, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = bfloat16.EncodeFloat32(values)
	return t, nil
}

// FromInt8 creates an I8 tensor.
func FromInt8(shape []int, values []int8) (*Tensor, error) {
	t, err := newTensor(DTypeI8, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = make([]byte, len(values))
	for i, v := range values {
		t.data[i] = byte(v)
	}
	return t, nil
}

// FromUint8 creates a U8 tensor.
func FromUint8(shape []int, values []uint8) (*Tensor, error) {
	t, err := newTensor(DTypeU8, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = slices.Clone(values)
	return t, nil
}

// FromInt32 creates an I32 tensor.
func FromInt32(shape []int, values []int32) (*Tensor, error) {
	t, err := newTensor(DTypeI32, shape, len(values))
	if err != nil {
		return nil, err
	}

	t.data = make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.data[4*i:], uint32(v))
	}
	return t, nil
}

// Zeros creates a zero-filled tensor of the given dtype and shape.
func Zeros(dtype DType, shape []int) *Tensor {
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]byte, numel(shape)*dtype.TypeSize()),
	}
}

// DType returns the storage type.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return numel(t.shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Reshape changes the tensor shape in place. The element count must match.
func (t *Tensor) Reshape(shape []int) error {
	if numel(shape) != t.Numel() {
		return fmt.Errorf("cannot reshape %v to %v", t.shape, shape)
	}
	t.shape = slices.Clone(shape)
	return nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		shape: slices.Clone(t.shape),
		data:  slices.Clone(t.data),
	}
}

// Float32s decodes the tensor into float32 working precision. Integer dtypes
// widen without scaling; dequantization is the decompressor's job.
func (t *Tensor) Float32s() []float32 {
	n := t.Numel()
	out := make([]float32, n)

	switch t.dtype {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:])).Float32()
		}
	case DTypeBF16:
		copy(out, bfloat16.DecodeFloat32(t.data))
	case DTypeI8:
		for i := range out {
			out[i] = float32(int8(t.data[i]))
		}
	case DTypeU8:
		for i := range out {
			out[i] = float32(t.data[i])
		}
	case DTypeI32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(t.data[4*i:])))
		}
	}
	return out
}

// Int8s returns the raw values of an I8 tensor.
func (t *Tensor) Int8s() ([]int8, error) {
	if t.dtype != DTypeI8 {
		return nil, fmt.Errorf("dtype is %s, want I8", t.dtype)
	}

	out := make([]int8, len(t.data))
	for i, b := range t.data {
		out[i] = int8(b)
	}
	return out, nil
}

// Uint8s returns the raw values of a U8 tensor.
func (t *Tensor) Uint8s() ([]uint8, error) {
	if t.dtype != DTypeU8 {
		return nil, fmt.Errorf("dtype is %s, want U8", t.dtype)
	}
	return slices.Clone(t.data), nil
}
