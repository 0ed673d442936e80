package leadflow

const (
	// Event types
	EventThreadStarted      = "thread_started"
	EventThreadCompleted    = "thread_completed"
	EventStepCompleted      = "step_completed"
	EventStepSuspended      = "step_suspended"
	EventStepFailed         = "step_failed"
	EventEdgeRouted         = "edge_routed"
	EventStaleResume        = "stale_resume"
	EventReminderSent       = "reminder_sent"
	EventRemindersExhausted = "reminders_exhausted"

	// Event data keys
	KeyStepName      = "step_name"
	KeyStage         = "stage"
	KeyAction        = "action"
	KeyBranch        = "branch"
	KeyDecision      = "decision"
	KeyPrompt        = "prompt"
	KeyError         = "error"
	KeyReminderCount = "reminder_count"
	KeySeq           = "seq"
)
