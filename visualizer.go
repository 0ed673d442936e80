package leadflow

import (
	"fmt"
	"sort"
	"strings"
)

// Visualizer renders a Graph as indented text, mostly for debugging graph
// wiring and for the inspection API.
type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

func (v *Visualizer) RenderGraph(graph *Graph) string {
	var b strings.Builder

	b.WriteString("Pipeline graph\n")
	b.WriteString("======================================\n\n")

	visited := make(map[string]bool)
	v.renderStep(&b, graph, graph.Entry(), 0, visited)

	return b.String()
}

func (v *Visualizer) renderStep(b *strings.Builder, graph *Graph, stepName string, indent int, visited map[string]bool) {
	if visited[stepName] {
		fmt.Fprintf(b, "%s↻ %s (back-edge)\n", v.indent(indent), stepName)

		return
	}

	step, ok := graph.Step(stepName)
	if !ok {
		fmt.Fprintf(b, "%s⚠ %s (not found)\n", v.indent(indent), stepName)

		return
	}

	visited[stepName] = true

	symbol := "⚙"
	switch {
	case step.Terminal:
		symbol = "■"
	case len(step.AcceptedActions) > 0:
		symbol = "👤"
	}

	fmt.Fprintf(b, "%s%s %s\n", v.indent(indent), symbol, stepName)

	if len(step.AcceptedActions) > 0 {
		actions := make([]string, 0, len(step.AcceptedActions))
		for _, a := range step.AcceptedActions {
			actions = append(actions, string(a))
		}
		fmt.Fprintf(b, "%s  awaits: %s\n", v.indent(indent), strings.Join(actions, ", "))
	}

	if step.Router != nil {
		keys := make([]string, 0, len(step.Branches))
		for key := range step.Branches {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			marker := ""
			if key == step.DefaultBranch {
				marker = " (default)"
			}
			fmt.Fprintf(b, "%s  ↳ %s%s:\n", v.indent(indent), key, marker)
			v.renderStep(b, graph, step.Branches[key], indent+2, visited)
		}

		return
	}

	if step.Next != "" {
		v.renderStep(b, graph, step.Next, indent+1, visited)
	}
}

func (v *Visualizer) indent(level int) string {
	return strings.Repeat("  ", level)
}
