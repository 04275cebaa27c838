// pack.go - 4-Bit Packen und Entpacken
//
// Dieses Modul enthaelt:
// - PackUint4 / UnpackUint4: vorzeichenlose 4-Bit Werte, zwei pro Byte
// - PackInt4 / UnpackInt4: vorzeichenbehaftete 4-Bit Werte im Zweierkomplement
//
// Gepackte Tensoren sind U8 mit halber Elementzahl; die logische Shape geht
// beim Packen verloren und wird beim Entpacken per Reshape wiederhergestellt.
package tensor

import (
	"fmt"
)

// PackUint4 packs a U8 tensor holding values in [0, 15] two per byte. The low
// nibble holds the even element. The element count must be even.
func PackUint4(t *Tensor) (*Tensor, error) {
	values, err := t.Uint8s()
	if err != nil {
		return nil, err
	}
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("cannot pack %d elements, count must be even", len(values))
	}

	packed := make([]uint8, len(values)/2)
	for i := range packed {
		lo := values[2*i] & 0x0f
		hi := values[2*i+1] & 0x0f
		packed[i] = lo | hi<<4
	}
	return FromUint8([]int{len(packed)}, packed)
}

// UnpackUint4 expands a packed U8 tensor back into one value per byte.
func UnpackUint4(t *Tensor) (*Tensor, error) {
	packed, err := t.Uint8s()
	if err != nil {
		return nil, err
	}

	values := make([]uint8, 2*len(packed))
	for i, b := range packed {
		values[2*i] = b & 0x0f
		values[2*i+1] = b >> 4
	}
	return FromUint8([]int{len(values)}, values)
}

// PackInt4 packs an I8 tensor holding values in [-8, 7] two per byte, using
// two's complement nibbles. The result is a U8 tensor of half the size.
func PackInt4(t *Tensor) (*Tensor, error) {
	values, err := t.Int8s()
	if err != nil {
		return nil, err
	}
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("cannot pack %d elements, count must be even", len(values))
	}

	packed := make([]uint8, len(values)/2)
	for i := range packed {
		lo := uint8(values[2*i]) & 0x0f
		hi := uint8(values[2*i+1]) & 0x0f
		packed[i] = lo | hi<<4
	}
	return FromUint8([]int{len(packed)}, packed)
}

// UnpackInt4 expands a packed U8 tensor back into signed values, sign
// extending each nibble.
func UnpackInt4(t *Tensor) (*Tensor, error) {
	packed, err := t.Uint8s()
	if err != nil {
		return nil, err
	}

	values := make([]int8, 2*len(packed))
	for i, b := range packed {
		values[2*i] = signExtend4(b & 0x0f)
		values[2*i+1] = signExtend4(b >> 4)
	}
	return FromInt8([]int{len(values)}, values)
}

func signExtend4(nibble uint8) int8 {
	if nibble >= 8 {
		return int8(nibble) - 16
	}
	return int8(nibble)
}
