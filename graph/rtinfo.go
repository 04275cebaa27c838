// rtinfo.go - Runtime-Info Baum fuer Provenance-Metadaten
//
// Dieses Modul enthaelt:
// - SetRTInfo, RTInfo, HasRTInfo: Zugriff auf den Metadaten-Baum
// - RTInfoKeys: Deterministische Aufzaehlung aller Pfade
package graph

import (
	"slices"
	"strings"
)

const rtInfoSep = "/"

// SetRTInfo stores a string value at the given metadata path, e.g.
// SetRTInfo("8", "nncf", "quantization", "subset_size").
func (g *Graph) SetRTInfo(value string, path ...string) {
	if len(path) == 0 {
		return
	}
	g.rtInfo[strings.Join(path, rtInfoSep)] = value
}

// RTInfo returns the value stored at the given metadata path.
func (g *Graph) RTInfo(path ...string) (string, bool) {
	v, ok := g.rtInfo[strings.Join(path, rtInfoSep)]
	return v, ok
}

// HasRTInfo reports whether any value is stored at or below the given path.
func (g *Graph) HasRTInfo(path ...string) bool {
	prefix := strings.Join(path, rtInfoSep)
	if _, ok := g.rtInfo[prefix]; ok {
		return true
	}
	for key := range g.rtInfo {
		if strings.HasPrefix(key, prefix+rtInfoSep) {
			return true
		}
	}
	return false
}

// RTInfoKeys returns all stored metadata paths, sorted.
func (g *Graph) RTInfoKeys() []string {
	keys := make([]string, 0, len(g.rtInfo))
	for key := range g.rtInfo {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
