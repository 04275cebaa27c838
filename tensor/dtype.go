// dtype.go - Tensor-Datentyp Definitionen
// Enthaelt: DType Konstanten, Parsing und Hilfsfunktionen
package tensor

import (
	"fmt"
)

// DType identifies the storage type of a tensor.
type DType uint32

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeU8
	DTypeI32
)

// ParseDType parses a dtype from its string form.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	case "I8":
		return DTypeI8, nil
	case "U8":
		return DTypeU8, nil
	case "I32":
		return DTypeI32, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}

// String returns the string form of the dtype.
func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI8:
		return "I8"
	case DTypeU8:
		return "U8"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// IsQuantized reports whether the dtype stores quantized integer values.
func (t DType) IsQuantized() bool {
	switch t {
	case DTypeI8, DTypeU8:
		return true
	default:
		return false
	}
}

// TypeSize returns the size of one element in bytes.
func (t DType) TypeSize() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 1
	}
}
