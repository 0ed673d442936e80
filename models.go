package leadflow

import (
	"encoding/json"
	"time"
)

type Stage string

const (
	StageNew               Stage = "new"
	StageIntroMeeting      Stage = "intro_meeting"
	StagePortalInviteSent  Stage = "portal_invite_sent"
	StageAccountCreated    Stage = "account_created"
	StageIntakePending     Stage = "intake_pending"
	StageNeedsAssessment   Stage = "needs_assessment"
	StageContractDraft     Stage = "contract_draft"
	StageAwaitingSignature Stage = "awaiting_signature"
	StageActiveClient      Stage = "active_client"
	StageLost              Stage = "lost"
)

// Terminal reports whether the stage is a sink: once reached, the thread
// never leaves it.
func (s Stage) Terminal() bool {
	return s == StageActiveClient || s == StageLost
}

type Outcome string

const (
	OutcomePaused      Outcome = "paused"
	OutcomeCompleted   Outcome = "completed"
	OutcomeErrored     Outcome = "errored"
	OutcomeStaleResume Outcome = "stale_resume"
)

type ThreadStatus string

const (
	ThreadStatusActive    ThreadStatus = "active"
	ThreadStatusCompleted ThreadStatus = "completed"
)

type Actor string

const (
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
	ActorClient Actor = "client"
)

type ResumeAction string

const (
	ActionMeetingLogged    ResumeAction = "meeting_logged"
	ActionAccountCreated   ResumeAction = "account_created"
	ActionIntakeSubmitted  ResumeAction = "intake_submitted"
	ActionContractReviewed ResumeAction = "contract_reviewed"
	ActionEnvelopeSigned   ResumeAction = "envelope_signed"
	ActionSendReminder     ResumeAction = "send_reminder"
)

// Admin decision tokens consumed by routing edges.
const (
	DecisionInterested    = "interested"
	DecisionNotInterested = "not_interested"
	DecisionApproved      = "approved"
	DecisionRevise        = "revise"
)

// StateDocument is the single record threaded through every step of a
// pipeline execution. It is flat and mergeable: steps return a StateUpdate
// and never replace the document wholesale.
type StateDocument struct {
	ClientName  string `json:"client_name,omitempty"`
	ClientEmail string `json:"client_email,omitempty"`
	ClientPhone string `json:"client_phone,omitempty"`
	Source      string `json:"source,omitempty"`

	Stage Stage `json:"stage"`

	MeetingNotes   string  `json:"meeting_notes,omitempty"`
	PriceDiscussed float64 `json:"price_discussed,omitempty"`
	ScopeOfWork    string  `json:"scope_of_work,omitempty"`
	ContractID     string  `json:"contract_id,omitempty"`
	EnvelopeID     string  `json:"envelope_id,omitempty"`
	OrganizationID string  `json:"organization_id,omitempty"`
	ProjectID      string  `json:"project_id,omitempty"`

	ReminderCount  int       `json:"reminder_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	AdminDecision  string    `json:"admin_decision,omitempty"`
	Error          *string   `json:"error,omitempty"`
}

// StateUpdate is the partial update a step returns. Nil fields leave the
// corresponding document field untouched.
type StateUpdate struct {
	Stage          *Stage
	MeetingNotes   *string
	PriceDiscussed *float64
	ScopeOfWork    *string
	ContractID     *string
	EnvelopeID     *string
	OrganizationID *string
	ProjectID      *string
	ReminderCount  *int
	AdminDecision  *string
	Error          *string
}

// Apply merges the update into doc field by field and returns the result.
func (u *StateUpdate) Apply(doc StateDocument) StateDocument {
	if u == nil {
		return doc
	}

	if u.Stage != nil {
		doc.Stage = *u.Stage
	}
	if u.MeetingNotes != nil {
		doc.MeetingNotes = *u.MeetingNotes
	}
	if u.PriceDiscussed != nil {
		doc.PriceDiscussed = *u.PriceDiscussed
	}
	if u.ScopeOfWork != nil {
		doc.ScopeOfWork = *u.ScopeOfWork
	}
	if u.ContractID != nil {
		doc.ContractID = *u.ContractID
	}
	if u.EnvelopeID != nil {
		doc.EnvelopeID = *u.EnvelopeID
	}
	if u.OrganizationID != nil {
		doc.OrganizationID = *u.OrganizationID
	}
	if u.ProjectID != nil {
		doc.ProjectID = *u.ProjectID
	}
	if u.ReminderCount != nil {
		doc.ReminderCount = *u.ReminderCount
	}
	if u.AdminDecision != nil {
		doc.AdminDecision = *u.AdminDecision
	}
	if u.Error != nil {
		doc.Error = u.Error
	}

	return doc
}

// SeedFields initializes a new thread's StateDocument. Identity fields are
// write-once: no step may change them afterwards.
type SeedFields struct {
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
	ClientPhone string `json:"client_phone"`
	Source      string `json:"source"`
}

// ResumeInput is the payload delivered into a suspended step. Action selects
// the suspension-point contract; the remaining fields carry whatever the
// external event knows.
type ResumeInput struct {
	Action         ResumeAction `json:"action"`
	Actor          Actor        `json:"actor,omitempty"`
	Decision       string       `json:"decision,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	Price          float64      `json:"price,omitempty"`
	OrganizationID string       `json:"organization_id,omitempty"`
	EnvelopeID     string       `json:"envelope_id,omitempty"`
}

// Checkpoint is one durable snapshot of a thread: the merged StateDocument
// plus the execution position. Immutable once appended; the latest
// checkpoint for a thread is authoritative.
type Checkpoint struct {
	ThreadID string        `json:"thread_id"`
	Seq      int64         `json:"seq"`
	State    StateDocument `json:"state"`
	// NextStep is the step the thread runs next, or the step it is
	// suspended at when AwaitingInput is set. Empty once Done.
	NextStep      string    `json:"next_step,omitempty"`
	AwaitingInput bool      `json:"awaiting_input"`
	Prompt        string    `json:"prompt,omitempty"`
	Done          bool      `json:"done"`
	CreatedAt     time.Time `json:"created_at"`
}

// ThreadEntry is the correlation-registry row for one thread. Correlation
// keys are nullable and filled in as steps learn them; entries are never
// deleted, only marked completed.
type ThreadEntry struct {
	ID                 string       `json:"id"`
	ClientEmail        *string      `json:"client_email,omitempty"`
	OrganizationID     *string      `json:"organization_id,omitempty"`
	EnvelopeID         *string      `json:"envelope_id,omitempty"`
	Status             ThreadStatus `json:"status"`
	RemindersExhausted bool         `json:"reminders_exhausted"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ThreadCriteria selects a thread by any known correlation key. Empty
// fields are ignored; at least one must be set.
type ThreadCriteria struct {
	Email          string `json:"email,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	EnvelopeID     string `json:"envelope_id,omitempty"`
}

func (c ThreadCriteria) Empty() bool {
	return c.Email == "" && c.OrganizationID == "" && c.EnvelopeID == ""
}

// ThreadKeys carries newly-learned correlation keys into the registry.
// Empty fields are not written.
type ThreadKeys struct {
	ClientEmail    string
	OrganizationID string
	EnvelopeID     string
}

func (k ThreadKeys) Empty() bool {
	return k.ClientEmail == "" && k.OrganizationID == "" && k.EnvelopeID == ""
}

type AuditEvent struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	StepName  string          `json:"step_name,omitempty"`
	EventType string          `json:"event_type"`
	Actor     Actor           `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StagePolicy configures the timeout sweeper for one stage: how long a
// suspended thread may sit idle before a reminder, and how many reminders
// it gets before being left for manual follow-up.
type StagePolicy struct {
	ThresholdHours int `json:"threshold_hours" yaml:"threshold_hours"`
	MaxReminders   int `json:"max_reminders"   yaml:"max_reminders"`
}

func (p StagePolicy) Threshold() time.Duration {
	return time.Duration(p.ThresholdHours) * time.Hour
}

type StagePolicies map[Stage]StagePolicy

// SweepStats summarizes one sweeper pass.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Reminded  int `json:"reminded"`
	Exhausted int `json:"exhausted"`
	Errors    int `json:"errors"`
}

// SummaryStats is the monitor's aggregate view of the pipeline.
type SummaryStats struct {
	TotalThreads     uint `json:"total_threads"`
	ActiveThreads    uint `json:"active_threads"`
	CompletedThreads uint `json:"completed_threads"`
	StalledThreads   uint `json:"stalled_threads"`
}

// StageStats counts active threads parked at one stage.
type StageStats struct {
	Stage   Stage `json:"stage"`
	Threads int   `json:"threads"`
}
