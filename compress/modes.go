// modes.go - Kompressions-Modi und Decompressor-Varianten
// Enthaelt: Mode Konstanten, Parsing, Bits/Symmetrie-Zerlegung
package compress

import (
	"fmt"

	"github.com/slimml/slimml/quantize"
)

// Mode selects how weights are compressed. The same tags identify the
// inserted decompressor variants, dispatched by kind rather than by type
// hierarchy.
type Mode string

const (
	ModeInt8Sym  Mode = "int8_sym"
	ModeInt8Asym Mode = "int8_asym"
	ModeInt4Sym  Mode = "int4_sym"
	ModeInt4Asym Mode = "int4_asym"

	// Float-point-like modes have no formula on the integer path and are
	// rejected during validation.
	ModeNF4  Mode = "nf4"
	ModeE2M1 Mode = "e2m1"
)

// ParseMode parses a compression mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInt8Sym, ModeInt8Asym, ModeInt4Sym, ModeInt4Asym, ModeNF4, ModeE2M1:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: compression mode %q", quantize.ErrUnsupportedMode, s)
	}
}

// Bits returns the bit-width of an integer mode.
func (m Mode) Bits() int {
	switch m {
	case ModeInt4Sym, ModeInt4Asym:
		return 4
	default:
		return 8
	}
}

// Symmetric reports whether the mode quantizes without a zero point.
func (m Mode) Symmetric() bool {
	return m == ModeInt8Sym || m == ModeInt4Sym
}

// Int4 reports whether the mode stores packed 4-bit weights.
func (m Mode) Int4() bool {
	return m == ModeInt4Sym || m == ModeInt4Asym
}
