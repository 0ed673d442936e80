package leadflow

type StepOption func(step *StepDefinition)

// WithAccepts declares the resume actions this step's suspension points
// consume.
func WithAccepts(actions ...ResumeAction) StepOption {
	return func(step *StepDefinition) {
		step.AcceptedActions = append(step.AcceptedActions, actions...)
	}
}

// WithTerminal marks the step as a sink: it completes the thread and has
// no outgoing edge.
func WithTerminal() StepOption {
	return func(step *StepDefinition) {
		step.Terminal = true
	}
}
