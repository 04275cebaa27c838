// backend.go - Backend-Interface und Registrierung
//
// Dieses Modul definiert das Capability-Interface, das jede unterstuetzte
// Ausfuehrungs-Umgebung implementiert: Graph-Ausfuehrung fuer die
// Statistik-Sammlung, Bias-Zugriff fuer die Bias-Korrektur. Die Auswahl
// erfolgt bei der Pipeline-Konfiguration ueber das Ziel-Device.
package backend

import (
	"context"
	"fmt"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// Device is the execution target a quantized model is tuned for.
type Device string

const (
	DeviceAny Device = "ANY"
	DeviceCPU Device = "CPU"
	DeviceGPU Device = "GPU"
	DeviceNPU Device = "NPU"
)

// Backend is the capability set one execution framework provides to the
// compression algorithms. Execute evaluates the graph for the given feeds and
// returns the requested edges; it must evaluate every node at most once per
// call so shared subgraphs (e.g. a weight decompressor feeding two layers)
// run a single time.
type Backend interface {
	Name() string

	Execute(ctx context.Context, g *graph.Graph, feeds map[graph.EdgeID]*tensor.Tensor, fetches []graph.EdgeID) (map[graph.EdgeID]*tensor.Tensor, error)

	// BiasValue returns the bias constant attached to a conv/matmul node.
	BiasValue(g *graph.Graph, node string) (*tensor.Tensor, error)

	// SetBiasValue replaces the bias constant attached to a conv/matmul node
	// in place.
	SetBiasValue(g *graph.Graph, node string, value *tensor.Tensor) error
}

var backends = make(map[Device]func() (Backend, error))

// Register registers a backend factory for a target device.
func Register(device Device, f func() (Backend, error)) {
	if _, ok := backends[device]; ok {
		panic("backend: device already registered")
	}

	backends[device] = f
}

// ForDevice creates the backend serving the given target device. DeviceAny
// falls back to the CPU reference backend.
func ForDevice(device Device) (Backend, error) {
	if device == DeviceAny {
		device = DeviceCPU
	}

	if f, ok := backends[device]; ok {
		return f()
	}
	return nil, fmt.Errorf("no backend registered for device %s", device)
}
