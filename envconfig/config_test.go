// config_test.go - Tests fuer die Umgebungs-Konfiguration
package envconfig

import (
	"log/slog"
	"testing"
)

// TestLogLevel prueft die Abbildung von SLIMML_DEBUG auf slog-Level.
func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.LevelDebug - 4,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SLIMML_DEBUG", value)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel() = %v, erwartet %v", got, want)
			}
		})
	}
}

// TestDeviceDefault prueft den ANY-Default.
func TestDeviceDefault(t *testing.T) {
	t.Setenv("SLIMML_DEVICE", "")
	if got := Device(); got != "ANY" {
		t.Errorf("Device() = %q, erwartet ANY", got)
	}

	t.Setenv("SLIMML_DEVICE", "cpu")
	if got := Device(); got != "CPU" {
		t.Errorf("Device() = %q, erwartet CPU", got)
	}
}

// TestSubsetSize prueft Default und Fehlertoleranz.
func TestSubsetSize(t *testing.T) {
	cases := map[string]int{
		"":     300,
		"50":   50,
		"abc":  300,
		"1000": 1000,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SLIMML_SUBSET_SIZE", value)
			if got := SubsetSize(); got != want {
				t.Errorf("SubsetSize() = %d, erwartet %d", got, want)
			}
		})
	}
}

// TestFastBiasCorrection prueft den true-Default.
func TestFastBiasCorrection(t *testing.T) {
	cases := map[string]bool{
		"":      true,
		"true":  true,
		"false": false,
		"0":     false,
		"1":     true,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SLIMML_FAST_BIAS_CORRECTION", value)
			if got := FastBiasCorrection(); got != want {
				t.Errorf("FastBiasCorrection() = %v, erwartet %v", got, want)
			}
		})
	}
}

// TestValues prueft die String-Ansicht fuer das Startup-Logging.
func TestValues(t *testing.T) {
	t.Setenv("SLIMML_DEVICE", "cpu")
	t.Setenv("SLIMML_SUBSET_SIZE", "42")

	vals := Values()
	if vals["SLIMML_DEVICE"] != "CPU" {
		t.Errorf("Values[SLIMML_DEVICE] = %q, erwartet CPU", vals["SLIMML_DEVICE"])
	}
	if vals["SLIMML_SUBSET_SIZE"] != "42" {
		t.Errorf("Values[SLIMML_SUBSET_SIZE] = %q, erwartet 42", vals["SLIMML_SUBSET_SIZE"])
	}
}

// TestAsMap prueft, dass jede Variable dokumentiert ist.
func TestAsMap(t *testing.T) {
	vars := AsMap()
	for _, key := range []string{
		"SLIMML_DEBUG", "SLIMML_DEVICE", "SLIMML_SUBSET_SIZE",
		"SLIMML_PRESET", "SLIMML_OVERFLOW_POLICY", "SLIMML_FAST_BIAS_CORRECTION",
	} {
		v, ok := vars[key]
		if !ok {
			t.Errorf("Variable %s fehlt in AsMap", key)
			continue
		}
		if v.Description == "" {
			t.Errorf("Variable %s ohne Beschreibung", key)
		}
	}
}
