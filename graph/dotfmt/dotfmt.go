// dotfmt.go - Textuelles Graph-Austauschformat
//
// Dieses Modul enthaelt:
// - Export: Serialisiert einen Graphen in eine dot-aehnliche Textform
// - Parse: Liest die Textform zurueck in einen Graphen
// - Compare: Struktureller Vergleich gegen eine Referenz-Beschreibung
//
// Das Format dient Regressionstests: Referenz-Graphen werden als Text
// eingecheckt und gegen transformierte Modelle verglichen. Konstanten
// behalten Shape und DType, der Payload wird nicht serialisiert.
package dotfmt

import (
	"bufio"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/slimml/slimml/graph"
	"github.com/slimml/slimml/tensor"
)

// Export serializes the graph into its canonical textual form. Nodes and
// edges are sorted so equal graphs export to identical text.
func Export(g *graph.Graph) string {
	var nodes, edges []string
	for _, n := range g.Ops() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s [type=%s", strconv.Quote(n.Name), n.Op)

		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, strconv.Quote(n.Attrs[k]))
		}

		if n.Value != nil {
			fmt.Fprintf(&sb, " shape=%s dtype=%s", shapeString(n.Value.Shape()), n.Value.DType())
		}
		sb.WriteString("];")
		nodes = append(nodes, sb.String())

		for port, in := range g.Inputs(n.Name) {
			if in.Node == "" {
				continue
			}
			edges = append(edges, fmt.Sprintf("%s:%d -> %s:%d;",
				strconv.Quote(in.Node), in.Port, strconv.Quote(n.Name), port))
		}
	}

	slices.Sort(nodes)
	slices.Sort(edges)

	var sb strings.Builder
	sb.WriteString("strict digraph {\n")
	for _, line := range nodes {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	for _, line := range edges {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	for _, key := range g.RTInfoKeys() {
		value, _ := g.RTInfo(strings.Split(key, "/")...)
		fmt.Fprintf(&sb, "meta %s=%s;\n", strconv.Quote(key), strconv.Quote(value))
	}
	sb.WriteString("}\n")
	return sb.String()
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

// Parse reads the textual form back into a graph. Constant payloads are
// restored as zero tensors of the recorded shape and dtype.
func Parse(text string) (*graph.Graph, error) {
	g := graph.New()

	type pendingEdge struct {
		from     string
		fromPort int
		to       string
		toPort   int
	}
	var edges []pendingEdge

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || line == "strict digraph {" || line == "}":
			continue
		case strings.HasPrefix(line, "meta "):
			field := strings.TrimSuffix(strings.TrimPrefix(line, "meta "), ";")
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: malformed metadata %q", lineno, field)
			}
			key, err := strconv.Unquote(k)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			value, err := strconv.Unquote(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			g.SetRTInfo(value, strings.Split(key, "/")...)
		case strings.Contains(line, " -> "):
			lhs, rhs, _ := strings.Cut(line, " -> ")
			from, fromPort, err := parseEndpoint(lhs)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			to, toPort, err := parseEndpoint(strings.TrimSuffix(rhs, ";"))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			edges = append(edges, pendingEdge{from, fromPort, to, toPort})
		default:
			if err := parseNode(g, strings.TrimSuffix(line, ";")); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
		}
	}

	for _, e := range edges {
		if err := g.Connect(e.from, e.fromPort, e.to, e.toPort); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func parseEndpoint(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("endpoint %q has no port", s)
	}
	name, err := strconv.Unquote(strings.TrimSpace(s[:idx]))
	if err != nil {
		return "", 0, fmt.Errorf("endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("endpoint %q: %w", s, err)
	}
	return name, port, nil
}

func parseNode(g *graph.Graph, line string) error {
	open := strings.Index(line, " [")
	if open < 0 || !strings.HasSuffix(line, "]") {
		return fmt.Errorf("malformed node line %q", line)
	}

	name, err := strconv.Unquote(line[:open])
	if err != nil {
		return fmt.Errorf("node line %q: %w", line, err)
	}

	attrs := map[string]string{}
	for _, field := range splitFields(line[open+2 : len(line)-1]) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("malformed attribute %q", field)
		}
		if strings.HasPrefix(v, `"`) {
			if v, err = strconv.Unquote(v); err != nil {
				return fmt.Errorf("attribute %q: %w", field, err)
			}
		}
		attrs[k] = v
	}

	op, ok := attrs["type"]
	if !ok {
		return fmt.Errorf("node %q has no type", name)
	}
	delete(attrs, "type")

	n, err := g.AddNode(name, op)
	if err != nil {
		return err
	}

	// Nur Konstanten tragen shape UND dtype; ein blosses shape-Attribut
	// (Parameter, Decompressor) bleibt Attribut
	if dtypeStr, ok := attrs["dtype"]; ok {
		shape, err := parseShape(attrs["shape"])
		if err != nil {
			return err
		}
		dtype, err := tensor.ParseDType(dtypeStr)
		if err != nil {
			return err
		}
		n.Value = tensor.Zeros(dtype, shape)
		delete(attrs, "shape")
		delete(attrs, "dtype")
	}

	for k, v := range attrs {
		n.SetAttr(k, v)
	}
	return nil
}

// splitFields splits "a=1 b="x y" c=2" on spaces outside quotes.
func splitFields(s string) []string {
	var fields []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ' ' && !quoted:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// Compare checks a graph against a reference description. It returns nil when
// the graph is structurally equal to the reference, otherwise an error
// carrying the diff. Runtime-Info zaehlt nicht zur Struktur und wird beim
// Vergleich ignoriert.
func Compare(g *graph.Graph, ref string) error {
	refGraph, err := Parse(ref)
	if err != nil {
		return fmt.Errorf("parsing reference graph: %w", err)
	}

	if graph.Equal(g, refGraph) {
		return nil
	}
	return fmt.Errorf("graph differs from reference:\n%s", graph.Diff(refGraph, g))
}
