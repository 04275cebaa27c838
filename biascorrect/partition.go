// partition.go - Zerlegung des Graphen in Bias-Subgraphen
//
// Dieses Modul enthaelt:
// - SubgraphData: Grenzen einer unabhaengig auswertbaren Region
// - Partition: Schnitt des DAG entlang Bias-tragender Knoten
//
// Jeder Bias-tragende Knoten (Conv/MatMul mit Konstanten-Bias auf Port 2)
// definiert eine Region: der Knoten selbst plus alle Nachfolger bis zur
// Eingangs-Front der naechsten Bias-tragenden Knoten. Die Front-Kanten sind
// die Ausgaenge der Region; die dahinter liegenden Bias-Konsumenten werden
// als einzusammelnde Eingaenge vorgemerkt, so dass spaetere Regionen ihre
// Aktivierungen aus den Ergebnissen dieser Region lesen. Regionen werden in
// topologischer Reihenfolge geliefert und duerfen sich ueberlappen, wenn
// Skip-Verbindungen mehrere Bias-Knoten in denselben Teilgraphen fuehren.
package biascorrect

import (
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/slimml/slimml/graph"
)

// ErrPartition is returned when the graph cannot be cut into independently
// evaluable bias regions.
var ErrPartition = errors.New("graph cannot be partitioned")

// SubgraphData describes one region of the graph, spanning from a
// bias-bearing node to the input frontier of the next bias-bearing nodes.
type SubgraphData struct {
	// BiasNode is the bias-bearing node opening the region.
	BiasNode string

	// CollectedInputs maps bias-bearing nodes to the activation edge that
	// must be collected for them: the region's own input nodes plus every
	// bias consumer sitting behind the region's output frontier.
	CollectedInputs map[string]graph.EdgeID

	// InputNames lists the bias-bearing nodes entering the region, the
	// region's own bias node first. Skip connections from other bias nodes
	// add further entries in first-use order.
	InputNames []string

	// OutputNames lists the frontier nodes whose outputs exit the region,
	// in discovery order.
	OutputNames []string

	// OutputIDs records every (node, output port) pair exiting the region.
	OutputIDs []graph.EdgeID
}

// BiasNodes returns the bias-bearing nodes of the graph in topological order:
// quantizable ops whose input port 2 is fed by a constant.
func BiasNodes(g *graph.Graph) ([]string, error) {
	sorted, err := g.TopoSort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartition, err)
	}

	var nodes []string
	for _, n := range sorted {
		if !graph.IsQuantizable(n.Op) {
			continue
		}
		edge, err := g.Producer(n.Name, 2)
		if err != nil {
			continue
		}
		if p, err := g.NodeByName(edge.Node); err == nil && p.Op == graph.OpConstant {
			nodes = append(nodes, n.Name)
		}
	}
	return nodes, nil
}

// Partition cuts the graph into one region per bias-bearing node and returns
// them in topological order. It fails with ErrPartition when the graph is
// cyclic.
func Partition(g *graph.Graph) ([]SubgraphData, error) {
	biasNodes, err := BiasNodes(g)
	if err != nil {
		return nil, err
	}

	boundary := make(map[string]bool, len(biasNodes))
	for _, name := range biasNodes {
		boundary[name] = true
	}

	subgraphs := make([]SubgraphData, 0, len(biasNodes))
	for _, name := range biasNodes {
		subgraphs = append(subgraphs, cutRegion(g, name, boundary))
	}
	return subgraphs, nil
}

// cutRegion walks forward from the bias node until it reaches the next
// bias-bearing consumers. Edges into those consumers and outputs of terminal
// nodes form the region's output frontier.
func cutRegion(g *graph.Graph, biasNode string, boundary map[string]bool) SubgraphData {
	sd := SubgraphData{
		BiasNode:        biasNode,
		CollectedInputs: map[string]graph.EdgeID{},
		InputNames:      []string{biasNode},
	}
	if in, err := g.Producer(biasNode, 0); err == nil {
		sd.CollectedInputs[biasNode] = in
	}

	region := map[string]bool{biasNode: true}
	regionOrder := []string{biasNode}

	queue := arraylist.New(biasNode)
	for !queue.Empty() {
		name, _ := queue.Get(0)
		queue.Remove(0)

		for _, port := range g.OutputPorts(name) {
			edge := graph.EdgeID{Node: name, Port: port}
			consumers := g.Consumers(edge)

			if len(consumers) == 0 {
				// Terminaler Knoten: Modell-Ausgang gehoert zur Front
				sd.addOutput(edge)
				continue
			}

			for _, c := range consumers {
				if boundary[c.Node] {
					// Front erreicht: Kante verlaesst die Region, der
					// Bias-Konsument sammelt sie spaeter ein
					sd.addOutput(edge)
					sd.CollectedInputs[c.Node] = edge
					continue
				}
				if !region[c.Node] {
					region[c.Node] = true
					regionOrder = append(regionOrder, c.Node)
					queue.Add(c.Node)
				}
			}
		}
	}

	// Skip-Verbindungen: fremde Bias-Knoten, die von aussen in die Region
	// fuettern, werden zu weiteren Region-Eingaengen
	for _, name := range regionOrder {
		for _, in := range g.Inputs(name) {
			if in.Node == "" || region[in.Node] || !boundary[in.Node] {
				continue
			}
			if !slices.Contains(sd.InputNames, in.Node) {
				sd.InputNames = append(sd.InputNames, in.Node)
				if act, err := g.Producer(in.Node, 0); err == nil {
					sd.CollectedInputs[in.Node] = act
				}
			}
		}
	}
	return sd
}

func (sd *SubgraphData) addOutput(edge graph.EdgeID) {
	if slices.Contains(sd.OutputIDs, edge) {
		return
	}
	sd.OutputIDs = append(sd.OutputIDs, edge)
	if !slices.Contains(sd.OutputNames, edge.Node) {
		sd.OutputNames = append(sd.OutputNames, edge.Node)
	}
}
