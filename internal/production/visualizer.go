package production

import (
	"bytes"
	"fmt"

	"github.com/hulaishun/qtscxml/internal/model"
)

// DefaultVisualizer renders a compiled chart's structure and current
// configuration as Graphviz DOT source. Grounded on the teacher's
// identically-named DefaultVisualizer, retargeted from
// primitives.MachineConfig (a map-of-pointers tree) onto model.TableData (a
// flat id-indexed table); the recursive cluster-rendering shape carries
// over unchanged.
type DefaultVisualizer struct{}

// ExportDOT walks td from its root, rendering compound/parallel states as
// subgraph clusters and atomic/final states as leaf nodes, highlighting
// every name present in active.
func (v *DefaultVisualizer) ExportDOT(td *model.TableData, active []string) string {
	activeSet := make(map[string]bool, len(active))
	for _, name := range active {
		activeSet[name] = true
	}

	var buf bytes.Buffer
	buf.WriteString("digraph Statechart {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box, fontsize=10, style=rounded];\n")
	buf.WriteString("  edge [fontsize=9];\n")

	renderState(&buf, td, td.Root, activeSet)
	renderEdges(&buf, td)

	buf.WriteString("}\n")
	return buf.String()
}

func renderEdges(buf *bytes.Buffer, td *model.TableData) {
	for i := range td.States {
		for _, trId := range td.States[i].Transitions {
			tr := td.Transition(trId)
			label := "*"
			if len(tr.Events) > 0 {
				label = tr.Events[0]
			}
			for _, target := range tr.Targets {
				fmt.Fprintf(buf, "  %q -> %q [label=%q];\n",
					td.State(tr.Source).Name, td.State(target).Name, label)
			}
		}
	}
}

func renderState(buf *bytes.Buffer, td *model.TableData, id model.StateId, active map[string]bool) {
	node := td.State(id)
	if len(node.Children) > 0 {
		fmt.Fprintf(buf, "  subgraph cluster_%d {\n", id)
		style := ""
		if active[node.Name] {
			style = " style=filled fillcolor=orange"
		}
		if node.Type == model.Parallel {
			style += " style=filled fillcolor=lightblue"
		}
		fmt.Fprintf(buf, "    label=%q%s;\n", fmt.Sprintf("%s (%s)", node.Name, node.Type), style)
		for _, child := range node.Children {
			renderState(buf, td, child, active)
		}
		buf.WriteString("  }\n")
		return
	}
	style := ""
	switch {
	case active[node.Name]:
		style = " style=filled fillcolor=lightgreen"
	case node.Type == model.Final:
		style = " shape=doublecircle"
	}
	fmt.Fprintf(buf, "  %q [label=%q%s];\n", node.Name, node.Name, style)
}
