// overflow.go - Overflow-Fix Policy-Tabelle
//
// Dieses Modul enthaelt:
// - OverflowPolicy: datengetriebene Tabelle (Device, Operator) -> Quantisierungs-Band
// - LoadPolicy / Marshal: YAML-Serialisierung
//
// Das Band ist bewusst Daten statt Konstante: welcher Integer-Pfad welchen
// Bereich sicher darstellt, haengt vom Backend und vom Operator-Typ ab.
package quantize

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// OverflowRule narrows the quantized weight band for one (device, op) pair.
// An empty device or op matches everything.
type OverflowRule struct {
	Device string `yaml:"device,omitempty"`
	Op     string `yaml:"op,omitempty"`
	Bound  int32  `yaml:"bound"`
}

// OverflowPolicy is an ordered rule table; the first matching rule wins.
type OverflowPolicy struct {
	Rules []OverflowRule `yaml:"rules"`
}

// DefaultPolicy returns the built-in table: CPU integer multiply-accumulate
// cannot hold full-range int8 weight products for conv/matmul, so those
// weights are clamped to [-64, 64].
func DefaultPolicy() OverflowPolicy {
	return OverflowPolicy{
		Rules: []OverflowRule{
			{Device: "CPU", Op: "Convolution", Bound: 64},
			{Device: "CPU", Op: "MatMul", Bound: 64},
		},
	}
}

// Bound returns the effective band bound for a weight feeding the given op on
// the given device, or 0 when the full range is safe.
func (p OverflowPolicy) Bound(device, op string) int32 {
	for _, r := range p.Rules {
		if (r.Device == "" || r.Device == device) && (r.Op == "" || r.Op == op) {
			return r.Bound
		}
	}
	return 0
}

// LoadPolicy parses a policy table from YAML.
func LoadPolicy(data []byte) (OverflowPolicy, error) {
	var p OverflowPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return OverflowPolicy{}, fmt.Errorf("parsing overflow policy: %w", err)
	}

	for i, r := range p.Rules {
		if r.Bound < 0 {
			return OverflowPolicy{}, fmt.Errorf("rule %d: negative bound %d", i, r.Bound)
		}
	}
	return p, nil
}

// Marshal serializes the policy table to YAML.
func (p OverflowPolicy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
