// cmd_show.go - Show Command
// Hauptfunktionen: newShowCmd, ShowHandler
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// newShowCmd - Erstellt den show Command
func newShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show INPUT",
		Short: "Show the nodes and metadata of a model graph",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().Bool("metadata", false, "Show only the runtime-info metadata")
	showCmd.Flags().Bool("weights", false, "Dump the values of constant tensors")

	return showCmd
}

// ShowHandler - Gibt Knoten-Tabelle und Metadaten eines Graphen aus
func ShowHandler(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	metadataOnly, _ := cmd.Flags().GetBool("metadata")
	if !metadataOnly {
		renderNodes(g)
		fmt.Println()
	}

	if dumpWeights, _ := cmd.Flags().GetBool("weights"); dumpWeights && !metadataOnly {
		renderWeights(g)
	}

	renderMetadata(g)
	return nil
}

func renderWeights(g *graph.Graph) {
	for _, n := range g.Ops() {
		if n.Op != graph.OpConstant || n.Value == nil {
			continue
		}
		fmt.Printf("%s %s\n%s\n\n", n.Name, n.Value.DType(),
			tensor.Dump(n.Value, tensor.DumpWithThreshold(64), tensor.DumpWithEdgeItems(4)))
	}
}

func renderNodes(g *graph.Graph) {
	var data [][]string
	for _, n := range g.Ops() {
		inputs := make([]string, 0, n.NumInputs())
		for _, in := range g.Inputs(n.Name) {
			if in.Node != "" {
				inputs = append(inputs, in.String())
			}
		}

		shape := ""
		if n.Value != nil {
			parts := make([]string, n.Value.Rank())
			for i := range parts {
				parts[i] = fmt.Sprint(n.Value.Dim(i))
			}
			shape = fmt.Sprintf("%s %s", strings.Join(parts, "x"), n.Value.DType())
		}

		data = append(data, []string{n.Name, n.Op, shape, strings.Join(inputs, ", ")})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "TYPE", "VALUE", "INPUTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func renderMetadata(g *graph.Graph) {
	keys := g.RTInfoKeys()
	if len(keys) == 0 {
		return
	}

	var data [][]string
	for _, key := range keys {
		value, _ := g.RTInfo(strings.Split(key, "/")...)
		data = append(data, []string{key, value})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"KEY", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
