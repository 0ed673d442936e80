package leadflow

import (
	"errors"
	"fmt"
)

// Builder assembles a Graph through chained registration calls. The first
// registered step becomes the entry; each Step links from the previous one
// unless that step already carries an edge (a router or an explicit GoTo),
// in which case the new step simply opens a fresh chain — typically a
// branch target.
type Builder struct {
	steps       map[string]*StepDefinition
	entry       string
	currentStep string
}

func NewBuilder() *Builder {
	return &Builder{
		steps: make(map[string]*StepDefinition),
	}
}

func (builder *Builder) Step(name string, fn StepFunc, opts ...StepOption) *Builder {
	step := &StepDefinition{
		Name: name,
		Fn:   fn,
	}

	for _, opt := range opts {
		opt(step)
	}

	if _, ok := builder.steps[name]; ok {
		panic(fmt.Sprintf("duplicate step %q", name))
	}

	builder.steps[name] = step

	if builder.entry == "" {
		builder.entry = name
	}

	if prev, ok := builder.steps[builder.currentStep]; ok && builder.currentStep != name {
		if prev.Next == "" && prev.Router == nil && !prev.Terminal {
			prev.Next = name
		}
	}

	builder.currentStep = name

	return builder
}

// Then is Step under a name that reads better mid-chain.
func (builder *Builder) Then(name string, fn StepFunc, opts ...StepOption) *Builder {
	return builder.Step(name, fn, opts...)
}

// Branch attaches a conditional edge to the current step. The router's
// return value selects a branch key; unrecognized keys fall through to
// defaultBranch, which must be one of the registered keys.
func (builder *Builder) Branch(router RouterFunc, defaultBranch string, branches map[string]string) *Builder {
	step, ok := builder.steps[builder.currentStep]
	if !ok {
		panic("Branch called with no current step")
	}

	step.Router = router
	step.Branches = branches
	step.DefaultBranch = defaultBranch

	return builder
}

// GoTo points the current step at an already- or later-registered step.
// This is how back-edges (the contract-revision loop) are expressed.
func (builder *Builder) GoTo(name string) *Builder {
	step, ok := builder.steps[builder.currentStep]
	if !ok {
		panic("GoTo called with no current step")
	}

	step.Next = name

	return builder
}

// Build validates the topology and returns the immutable graph.
func (builder *Builder) Build() (*Graph, error) {
	if len(builder.steps) == 0 {
		return nil, errors.New("builder: at least one step is required")
	}

	graph := &Graph{
		steps: builder.steps,
		entry: builder.entry,
	}

	if err := graph.validate(); err != nil {
		return nil, err
	}

	return graph, nil
}
