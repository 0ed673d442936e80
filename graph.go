package leadflow

import (
	"fmt"
)

// RouterFunc selects the outgoing branch after a step completes. It must be
// total and deterministic over the fields it reads (chiefly AdminDecision);
// the graph maps unrecognized branch keys to the edge's default branch.
type RouterFunc func(state StateDocument) string

// StepDefinition is one node of the graph: the step function plus exactly
// one kind of outgoing edge (unconditional Next, conditional Router, or
// none for terminal sinks).
type StepDefinition struct {
	Name     string
	Fn       StepFunc
	Terminal bool

	Next          string
	Router        RouterFunc
	Branches      map[string]string
	DefaultBranch string

	// AcceptedActions are the resume actions this step's suspension
	// points consume. Used by the engine to tell a stale resume (action
	// belongs to another step) from an invalid one (unknown anywhere).
	AcceptedActions []ResumeAction
}

func (d *StepDefinition) accepts(action ResumeAction) bool {
	for _, a := range d.AcceptedActions {
		if a == action {
			return true
		}
	}

	return false
}

// Graph is a fixed topology of named steps. It is built once at startup via
// Builder and passed into the engine by reference; there is no hidden
// singleton and no runtime mutation.
type Graph struct {
	steps map[string]*StepDefinition
	entry string
}

func (g *Graph) Entry() string {
	return g.entry
}

func (g *Graph) Step(name string) (*StepDefinition, bool) {
	def, ok := g.steps[name]

	return def, ok
}

// ActionKnown reports whether any step in the graph accepts the action.
func (g *Graph) ActionKnown(action ResumeAction) bool {
	for _, def := range g.steps {
		if def.accepts(action) {
			return true
		}
	}

	return false
}

// nextAfter resolves the outgoing edge of def against the merged state.
// The second return value reports whether a conditional router was
// consulted (the engine clears AdminDecision in that case).
func (g *Graph) nextAfter(def *StepDefinition, state StateDocument) (next string, routed bool) {
	if def.Router == nil {
		return def.Next, false
	}

	key := def.Router(state)
	target, ok := def.Branches[key]
	if !ok {
		target = def.Branches[def.DefaultBranch]
	}

	return target, true
}

// validate fails fast on a malformed topology: this runs once at
// construction, never per invocation. Cycles are permitted — the
// contract-revision loop is a legitimate back-edge.
func (g *Graph) validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph: entry step is required")
	}

	if _, ok := g.steps[g.entry]; !ok {
		return fmt.Errorf("graph: entry step not found: %q", g.entry)
	}

	for name, def := range g.steps {
		if def.Fn == nil {
			return fmt.Errorf("graph: step %q has no function", name)
		}

		if def.Terminal {
			if def.Next != "" || def.Router != nil {
				return fmt.Errorf("graph: terminal step %q must have no outgoing edge", name)
			}

			continue
		}

		switch {
		case def.Router != nil:
			if def.Next != "" {
				return fmt.Errorf("graph: step %q has both an unconditional and a conditional edge", name)
			}
			if len(def.Branches) == 0 {
				return fmt.Errorf("graph: step %q has a router but no branches", name)
			}
			if _, ok := def.Branches[def.DefaultBranch]; !ok {
				return fmt.Errorf("graph: step %q: default branch %q is not a registered branch", name, def.DefaultBranch)
			}
			for key, target := range def.Branches {
				if _, ok := g.steps[target]; !ok {
					return fmt.Errorf("graph: step %q branch %q references unknown step: %q", name, key, target)
				}
			}
		case def.Next != "":
			if _, ok := g.steps[def.Next]; !ok {
				return fmt.Errorf("graph: step %q references unknown step: %q", name, def.Next)
			}
		default:
			return fmt.Errorf("graph: non-terminal step %q has no outgoing edge", name)
		}
	}

	return nil
}
