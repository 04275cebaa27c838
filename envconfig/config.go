// config.go - Konfiguration ueber Environment-Variablen
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (SLIMML_DEBUG)
// - Device: Gibt Ziel-Device zurueck (SLIMML_DEVICE)
// - SubsetSize: Gibt Kalibrierungs-Praefix zurueck (SLIMML_SUBSET_SIZE)
// - Preset: Gibt Quantisierungs-Preset zurueck (SLIMML_PRESET)
// - OverflowPolicyPath: Pfad zur Overflow-Regel-Tabelle (SLIMML_OVERFLOW_POLICY)
// - FastBiasCorrection: Schneller Korrektur-Pfad (SLIMML_FAST_BIAS_CORRECTION)
// - AsMap/Values: Export aller Konfigurationen
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via SLIMML_DEBUG (bool oder numerisch)
// Default: Info
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SLIMML_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Device gibt das Ziel-Device zurueck
// Konfigurierbar via SLIMML_DEVICE
// Default: ANY
func Device() string {
	if s := Var("SLIMML_DEVICE"); s != "" {
		return strings.ToUpper(s)
	}
	return "ANY"
}

// SubsetSize gibt die Laenge des Kalibrierungs-Praefixes zurueck
// Konfigurierbar via SLIMML_SUBSET_SIZE
// Default: 300
func SubsetSize() int {
	if s := Var("SLIMML_SUBSET_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err != nil {
			slog.Warn("invalid environment variable, using default", "key", "SLIMML_SUBSET_SIZE", "value", s, "default", 300)
		} else {
			return n
		}
	}
	return 300
}

// Preset gibt das Quantisierungs-Preset zurueck
// Konfigurierbar via SLIMML_PRESET
// Default: performance
func Preset() string {
	if s := Var("SLIMML_PRESET"); s != "" {
		return strings.ToLower(s)
	}
	return "performance"
}

// OverflowPolicyPath gibt den Pfad zur Overflow-Regel-Tabelle zurueck
// Konfigurierbar via SLIMML_OVERFLOW_POLICY
// Default: leer (eingebaute Tabelle)
func OverflowPolicyPath() string {
	return Var("SLIMML_OVERFLOW_POLICY")
}

// FastBiasCorrection schaltet den schnellen Korrektur-Pfad
// Konfigurierbar via SLIMML_FAST_BIAS_CORRECTION
// Default: true
func FastBiasCorrection() bool {
	if s := Var("SLIMML_FAST_BIAS_CORRECTION"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return true
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SLIMML_DEBUG":                {"SLIMML_DEBUG", LogLevel(), "Show additional debug information (e.g. SLIMML_DEBUG=1)"},
		"SLIMML_DEVICE":               {"SLIMML_DEVICE", Device(), "Target device for quantization (ANY, CPU, GPU, NPU)"},
		"SLIMML_SUBSET_SIZE":          {"SLIMML_SUBSET_SIZE", SubsetSize(), "Number of calibration samples to consume (default 300)"},
		"SLIMML_PRESET":               {"SLIMML_PRESET", Preset(), "Quantization preset (performance, mixed)"},
		"SLIMML_OVERFLOW_POLICY":      {"SLIMML_OVERFLOW_POLICY", OverflowPolicyPath(), "Path to a YAML overflow policy table"},
		"SLIMML_FAST_BIAS_CORRECTION": {"SLIMML_FAST_BIAS_CORRECTION", FastBiasCorrection(), "Use the fast bias correction path (default true)"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
