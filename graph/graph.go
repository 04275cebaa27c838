// graph.go - Backend-agnostischer Berechnungsgraph
//
// Dieses Modul enthaelt:
// - Graph: Knoten, Kanten und Runtime-Info eines Modells
// - Node: Einzelner Operator mit Attributen und optionalem Konstanten-Payload
// - EdgeID: Adressierung einer Tensor-Kante (Knoten, Output-Port)
package graph

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/agnivade/levenshtein"

	"github.com/slimml/slimml/tensor"
)

// ErrNotFound is returned when a node or edge lookup fails.
var ErrNotFound = errors.New("not found")

// EdgeID identifies one tensor edge: output port Port of node Node.
type EdgeID struct {
	Node string
	Port int
}

func (e EdgeID) String() string {
	return fmt.Sprintf("%s:%d", e.Node, e.Port)
}

// Consumer identifies one reader of an edge: input port Port of node Node.
type Consumer struct {
	Node string
	Port int
}

// Node is a single operator in the graph. Value carries the constant payload
// for Constant nodes and is nil otherwise.
type Node struct {
	Name  string
	Op    string
	Attrs map[string]string
	Value *tensor.Tensor

	// inputs[i] ist die Produzenten-Kante fuer Input-Port i
	inputs []EdgeID
}

// Attr returns the attribute value for key, or the empty string.
func (n *Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

// SetAttr sets a single attribute on the node.
func (n *Node) SetAttr(key, value string) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[key] = value
}

// NumInputs returns the number of connected input ports.
func (n *Node) NumInputs() int {
	return len(n.inputs)
}

// Graph is a directed acyclic computation graph. It owns all nodes and edges.
// Node iteration follows insertion order so that every pass over the graph is
// deterministic.
type Graph struct {
	nodes map[string]*Node
	order []string

	// rtInfo ist der Provenance-Baum, Schluessel sind mit "/" verbundene Pfade
	rtInfo map[string]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:  make(map[string]*Node),
		rtInfo: make(map[string]string),
	}
}

// AddNode adds a node with the given unique name and operator type.
func (g *Graph) AddNode(name, op string) (*Node, error) {
	if _, ok := g.nodes[name]; ok {
		return nil, fmt.Errorf("duplicate node name %q", name)
	}

	n := &Node{Name: name, Op: op}
	g.nodes[name] = n
	g.order = append(g.order, name)
	return n, nil
}

// AddConstant adds a Constant node carrying the given tensor payload.
func (g *Graph) AddConstant(name string, value *tensor.Tensor) (*Node, error) {
	n, err := g.AddNode(name, OpConstant)
	if err != nil {
		return nil, err
	}

	n.Value = value
	return n, nil
}

// NodeByName looks up a node by its friendly name. The error wraps ErrNotFound
// and names the closest existing node to help with typos in ignored scopes and
// test references.
func (g *Graph) NodeByName(name string) (*Node, error) {
	if n, ok := g.nodes[name]; ok {
		return n, nil
	}

	closest := ""
	score := math.MaxInt
	for _, candidate := range g.order {
		if s := levenshtein.ComputeDistance(name, candidate); s < score {
			score = s
			closest = candidate
		}
	}

	if closest != "" {
		return nil, fmt.Errorf("node %q %w (closest match %q)", name, ErrNotFound, closest)
	}
	return nil, fmt.Errorf("node %q %w", name, ErrNotFound)
}

// HasNode reports whether a node with the given name exists.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Ops returns all nodes in insertion order.
func (g *Graph) Ops() []*Node {
	ops := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		ops = append(ops, g.nodes[name])
	}
	return ops
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Connect wires output port fromPort of node from to input port toPort of
// node to. An already connected input port is rewired.
func (g *Graph) Connect(from string, fromPort int, to string, toPort int) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("producer node %q %w", from, ErrNotFound)
	}
	dst, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("consumer node %q %w", to, ErrNotFound)
	}
	if fromPort < 0 || toPort < 0 {
		return fmt.Errorf("negative port (%d -> %d)", fromPort, toPort)
	}

	for len(dst.inputs) <= toPort {
		dst.inputs = append(dst.inputs, EdgeID{})
	}
	dst.inputs[toPort] = EdgeID{Node: from, Port: fromPort}
	return nil
}

// Producer returns the edge feeding input port port of the named node.
func (g *Graph) Producer(node string, port int) (EdgeID, error) {
	n, err := g.NodeByName(node)
	if err != nil {
		return EdgeID{}, err
	}
	if port >= len(n.inputs) || n.inputs[port].Node == "" {
		return EdgeID{}, fmt.Errorf("input port %d of node %q %w", port, node, ErrNotFound)
	}
	return n.inputs[port], nil
}

// Inputs returns the producing edges of the named node in input port order.
func (g *Graph) Inputs(node string) []EdgeID {
	n, ok := g.nodes[node]
	if !ok {
		return nil
	}
	return slices.Clone(n.inputs)
}

// Consumers returns every (node, input port) pair reading the given edge, in
// node insertion order.
func (g *Graph) Consumers(edge EdgeID) []Consumer {
	var consumers []Consumer
	for _, name := range g.order {
		for port, in := range g.nodes[name].inputs {
			if in == edge {
				consumers = append(consumers, Consumer{Node: name, Port: port})
			}
		}
	}
	return consumers
}

// OutputPorts returns the sorted distinct output ports of the node that have
// at least one consumer, or {0} for a terminal node.
func (g *Graph) OutputPorts(node string) []int {
	ports := map[int]bool{}
	for _, name := range g.order {
		for _, in := range g.nodes[name].inputs {
			if in.Node == node {
				ports[in.Port] = true
			}
		}
	}

	if len(ports) == 0 {
		return []int{0}
	}

	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// RemoveNode removes the node and all edges touching it. Consumers that read
// from the removed node are rewired to the removed node's own producer on the
// same port when bypass is true, otherwise their input is disconnected.
func (g *Graph) RemoveNode(name string, bypass bool) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("node %q %w", name, ErrNotFound)
	}

	var replacement EdgeID
	if bypass && len(n.inputs) > 0 {
		replacement = n.inputs[0]
	}

	for _, other := range g.order {
		dst := g.nodes[other]
		for port, in := range dst.inputs {
			if in.Node == name {
				dst.inputs[port] = replacement
			}
		}
	}

	delete(g.nodes, name)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == name })
	return nil
}

// InputNodes returns all Parameter nodes in insertion order.
func (g *Graph) InputNodes() []*Node {
	var inputs []*Node
	for _, name := range g.order {
		if g.nodes[name].Op == OpParameter {
			inputs = append(inputs, g.nodes[name])
		}
	}
	return inputs
}

// OutputEdges returns the edges that no node consumes, i.e. the model outputs,
// in producer insertion order.
func (g *Graph) OutputEdges() []EdgeID {
	consumed := map[EdgeID]bool{}
	for _, name := range g.order {
		for _, in := range g.nodes[name].inputs {
			if in.Node != "" {
				consumed[in] = true
			}
		}
	}

	var outputs []EdgeID
	for _, name := range g.order {
		for _, port := range g.OutputPorts(name) {
			edge := EdgeID{Node: name, Port: port}
			if !consumed[edge] && len(g.Consumers(edge)) == 0 {
				outputs = append(outputs, edge)
			}
		}
	}
	return outputs
}

// Clone returns a deep copy of the graph, including constant payloads and
// runtime info. Transform passes operate on clones so the original model
// stays untouched.
func (g *Graph) Clone() *Graph {
	c := New()
	for _, name := range g.order {
		n := g.nodes[name]
		cn := &Node{
			Name:   n.Name,
			Op:     n.Op,
			inputs: slices.Clone(n.inputs),
		}
		if n.Attrs != nil {
			cn.Attrs = make(map[string]string, len(n.Attrs))
			for k, v := range n.Attrs {
				cn.Attrs[k] = v
			}
		}
		if n.Value != nil {
			cn.Value = n.Value.Clone()
		}
		c.nodes[name] = cn
		c.order = append(c.order, name)
	}
	for k, v := range g.rtInfo {
		c.rtInfo[k] = v
	}
	return c
}

// TopoSort returns all nodes in a topological order. It fails if the graph
// contains a cycle.
func (g *Graph) TopoSort() ([]*Node, error) {
	const (
		white = iota // unbesucht
		gray         // auf dem Stack
		black        // fertig
	)

	state := make(map[string]int, len(g.nodes))
	var sorted []*Node

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle through node %q", name)
		}

		state[name] = gray
		for _, in := range g.nodes[name].inputs {
			if in.Node == "" {
				continue
			}
			if err := visit(in.Node); err != nil {
				return err
			}
		}
		state[name] = black
		sorted = append(sorted, g.nodes[name])
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
