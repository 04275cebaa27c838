// cpu.go - Referenz-Backend auf der CPU
//
// Dieses Modul enthaelt:
// - Backend: Capability-Implementierung fuer das CPU-Device
// - Execute: memoisierte Graph-Auswertung; jeder Knoten laeuft hoechstens
//   einmal pro Aufruf, ein geteilter Decompressor also genau einmal
// - BiasValue / SetBiasValue: Zugriff auf Bias-Konstanten (Input-Port 2)
package cpu

import (
	"context"
	"fmt"

	"github.com/slimml/slimml/backend"
	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

func init() {
	backend.Register(backend.DeviceCPU, func() (backend.Backend, error) {
		return New(), nil
	})
}

// Backend is the reference CPU executor. It evaluates graphs in float32
// working precision and is deliberately simple: correctness over speed.
type Backend struct {
	lastCounts map[string]int
}

// New creates a CPU backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the backend name.
func (b *Backend) Name() string { return "cpu" }

// LastEvalCounts returns how often each node was evaluated during the most
// recent Execute call. Used by tests to verify single evaluation of shared
// subgraphs.
func (b *Backend) LastEvalCounts() map[string]int {
	return b.lastCounts
}

// Execute evaluates the graph for the given feeds and returns the requested
// edges. Feeds override node outputs: a fed edge is never computed.
func (b *Backend) Execute(ctx context.Context, g *graph.Graph, feeds map[graph.EdgeID]*tensor.Tensor, fetches []graph.EdgeID) (map[graph.EdgeID]*tensor.Tensor, error) {
	e := &evaluator{
		ctx:    ctx,
		g:      g,
		feeds:  feeds,
		values: make(map[graph.EdgeID]*tensor.Tensor),
		done:   make(map[string]bool),
		counts: make(map[string]int),
	}

	results := make(map[graph.EdgeID]*tensor.Tensor, len(fetches))
	for _, fetch := range fetches {
		v, err := e.edge(fetch)
		if err != nil {
			return nil, err
		}
		results[fetch] = v
	}

	b.lastCounts = e.counts
	return results, nil
}

type evaluator struct {
	ctx    context.Context
	g      *graph.Graph
	feeds  map[graph.EdgeID]*tensor.Tensor
	values map[graph.EdgeID]*tensor.Tensor
	done   map[string]bool
	counts map[string]int
}

func (e *evaluator) edge(id graph.EdgeID) (*tensor.Tensor, error) {
	if v, ok := e.feeds[id]; ok {
		return v, nil
	}
	if v, ok := e.values[id]; ok {
		return v, nil
	}

	if err := e.node(id.Node); err != nil {
		return nil, err
	}

	v, ok := e.values[id]
	if !ok {
		return nil, fmt.Errorf("edge %s %w", id, graph.ErrNotFound)
	}
	return v, nil
}

// input resolves input port i of a node, honoring feeds.
func (e *evaluator) input(name string, port int) (*tensor.Tensor, error) {
	producer, err := e.g.Producer(name, port)
	if err != nil {
		return nil, err
	}
	return e.edge(producer)
}

func (e *evaluator) node(name string) error {
	if e.done[name] {
		return nil
	}
	if err := e.ctx.Err(); err != nil {
		return err
	}

	n, err := e.g.NodeByName(name)
	if err != nil {
		return err
	}

	outputs, err := e.eval(n)
	if err != nil {
		return fmt.Errorf("evaluating %s (%s): %w", n.Name, n.Op, err)
	}

	for port, v := range outputs {
		e.values[graph.EdgeID{Node: name, Port: port}] = v
	}
	e.done[name] = true
	e.counts[name]++
	return nil
}

func (e *evaluator) eval(n *graph.Node) ([]*tensor.Tensor, error) {
	switch n.Op {
	case graph.OpParameter:
		if v, ok := e.feeds[graph.EdgeID{Node: n.Name}]; ok {
			return []*tensor.Tensor{v}, nil
		}
		return nil, fmt.Errorf("no feed for parameter %s", n.Name)

	case graph.OpConstant:
		if n.Value == nil {
			return nil, fmt.Errorf("constant %s has no payload", n.Name)
		}
		return []*tensor.Tensor{n.Value}, nil

	case graph.OpMatMul:
		return e.evalMatMul(n)

	case graph.OpConvolution:
		return e.evalConvolution(n)

	case graph.OpAdd, graph.OpSubtract, graph.OpMultiply:
		a, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		b, err := e.input(n.Name, 1)
		if err != nil {
			return nil, err
		}
		out, err := eltwise(n.Op, a, b)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpRelu:
		x, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{relu(x)}, nil

	case graph.OpMaxPool:
		x, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		out, err := maxPool(x, atoiAttr(n, "kernel", 2))
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpReshape:
		x, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		out, err := reshape(x, n.Attr("shape"))
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpSplit:
		x, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		return split(x, atoiAttr(n, "axis", 1), atoiAttr(n, "splits", 2))

	case graph.OpConcat:
		var inputs []*tensor.Tensor
		for port := 0; port < n.NumInputs(); port++ {
			v, err := e.input(n.Name, port)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, v)
		}
		out, err := concat(inputs, atoiAttr(n, "axis", 1))
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpGather:
		data, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		indices, err := e.input(n.Name, 1)
		if err != nil {
			return nil, err
		}
		out, err := gather(data, indices)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpFakeQuantize:
		x, err := e.input(n.Name, 0)
		if err != nil {
			return nil, err
		}
		out, err := fakeQuantize(x, n)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil

	case graph.OpDequantize:
		return e.evalDequantize(n)

	case graph.OpDecompressor:
		return e.evalDecompressor(n)

	default:
		return nil, fmt.Errorf("unsupported op %s", n.Op)
	}
}

func (e *evaluator) evalMatMul(n *graph.Node) ([]*tensor.Tensor, error) {
	a, err := e.input(n.Name, 0)
	if err != nil {
		return nil, err
	}
	w, err := e.input(n.Name, 1)
	if err != nil {
		return nil, err
	}

	var bias *tensor.Tensor
	if n.NumInputs() > 2 {
		if bias, err = e.input(n.Name, 2); err != nil {
			return nil, err
		}
	}

	out, err := matMul(a, w, n.Attr("transpose_b") == "true", bias)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

func (e *evaluator) evalConvolution(n *graph.Node) ([]*tensor.Tensor, error) {
	x, err := e.input(n.Name, 0)
	if err != nil {
		return nil, err
	}
	w, err := e.input(n.Name, 1)
	if err != nil {
		return nil, err
	}

	var bias *tensor.Tensor
	if n.NumInputs() > 2 {
		if bias, err = e.input(n.Name, 2); err != nil {
			return nil, err
		}
	}

	out, err := conv2d(x, w, bias, atoiAttr(n, "stride", 1))
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// BiasValue returns the bias constant wired to input port 2 of a conv or
// matmul node.
func (b *Backend) BiasValue(g *graph.Graph, node string) (*tensor.Tensor, error) {
	c, err := biasConstant(g, node)
	if err != nil {
		return nil, err
	}
	return c.Value, nil
}

// SetBiasValue replaces the bias constant wired to input port 2 of a conv or
// matmul node in place.
func (b *Backend) SetBiasValue(g *graph.Graph, node string, value *tensor.Tensor) error {
	c, err := biasConstant(g, node)
	if err != nil {
		return err
	}
	c.Value = value
	return nil
}

func biasConstant(g *graph.Graph, node string) (*graph.Node, error) {
	n, err := g.NodeByName(node)
	if err != nil {
		return nil, err
	}
	if !graph.IsQuantizable(n.Op) {
		return nil, fmt.Errorf("node %s (%s) cannot carry a bias", node, n.Op)
	}

	producer, err := g.Producer(node, 2)
	if err != nil {
		return nil, fmt.Errorf("node %s has no bias: %w", node, err)
	}

	c, err := g.NodeByName(producer.Node)
	if err != nil {
		return nil, err
	}
	if c.Op != graph.OpConstant || c.Value == nil {
		return nil, fmt.Errorf("bias input of %s is not a constant", node)
	}
	return c, nil
}
