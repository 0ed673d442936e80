package leadflow

import (
	"context"
	"fmt"
)

// Collaborators are the external systems the onboarding steps talk to.
// Steps must keep their side effects idempotent against redelivery: the
// engine guarantees at-most-once state transitions, not at-most-once calls.

type Notifier interface {
	SendPortalInvite(ctx context.Context, email, name string) error
	SendIntakeForm(ctx context.Context, email string) error
	SendReminder(ctx context.Context, email string, stage Stage) error
}

type CRM interface {
	RecordLead(ctx context.Context, name, email, source string) error
	MarkLost(ctx context.Context, email, reason string) error
}

type DocumentDrafter interface {
	DraftContract(ctx context.Context, state StateDocument) (contractID string, err error)
}

type SignatureService interface {
	SendEnvelope(ctx context.Context, contractID, email string) (envelopeID string, err error)
}

type Provisioner interface {
	ProvisionProject(ctx context.Context, organizationID, scope string) (projectID string, err error)
}

// OnboardingDeps bundles the collaborators. Zero-value fields fall back to
// no-op implementations, which is what the unit tests run against.
type OnboardingDeps struct {
	Notifier  Notifier
	CRM       CRM
	Drafter   DocumentDrafter
	Signature SignatureService
	Projects  Provisioner
}

func (deps *OnboardingDeps) fillDefaults() {
	if deps.Notifier == nil {
		deps.Notifier = noopCollaborator{}
	}
	if deps.CRM == nil {
		deps.CRM = noopCollaborator{}
	}
	if deps.Drafter == nil {
		deps.Drafter = noopCollaborator{}
	}
	if deps.Signature == nil {
		deps.Signature = noopCollaborator{}
	}
	if deps.Projects == nil {
		deps.Projects = noopCollaborator{}
	}
}

type noopCollaborator struct{}

func (noopCollaborator) SendPortalInvite(context.Context, string, string) error { return nil }
func (noopCollaborator) SendIntakeForm(context.Context, string) error           { return nil }
func (noopCollaborator) SendReminder(context.Context, string, Stage) error      { return nil }
func (noopCollaborator) RecordLead(context.Context, string, string, string) error {
	return nil
}
func (noopCollaborator) MarkLost(context.Context, string, string) error { return nil }
func (noopCollaborator) DraftContract(_ context.Context, state StateDocument) (string, error) {
	return "contract-" + state.ClientEmail, nil
}
func (noopCollaborator) SendEnvelope(_ context.Context, contractID, _ string) (string, error) {
	return "env-" + contractID, nil
}
func (noopCollaborator) ProvisionProject(_ context.Context, organizationID, _ string) (string, error) {
	return "proj-" + organizationID, nil
}

// Step names of the onboarding pipeline.
const (
	StepCreateLead       = "create_lead"
	StepLogIntroMeeting  = "log_intro_meeting"
	StepSendPortalInvite = "send_portal_invite"
	StepAwaitSignup      = "await_signup"
	StepSendIntakeForm   = "send_intake_form"
	StepAwaitIntake      = "await_intake"
	StepDraftContract    = "draft_contract"
	StepReviewContract   = "review_contract"
	StepReviseAssessment = "revise_assessment"
	StepSendForSignature = "send_for_signature"
	StepAwaitSignature   = "await_signature"
	StepActivateClient   = "activate_client"
	StepMarkLost         = "mark_lost"
)

// Branch keys of the two conditional edges.
const (
	branchLost   = "lost"
	branchRevise = "revise"
)

// DefaultStagePolicies are the sweeper thresholds used when no policies
// file overrides them.
func DefaultStagePolicies() StagePolicies {
	return StagePolicies{
		StageIntroMeeting:      {ThresholdHours: 48, MaxReminders: 2},
		StagePortalInviteSent:  {ThresholdHours: 72, MaxReminders: 3},
		StageIntakePending:     {ThresholdHours: 72, MaxReminders: 3},
		StageContractDraft:     {ThresholdHours: 48, MaxReminders: 2},
		StageAwaitingSignature: {ThresholdHours: 72, MaxReminders: 3},
	}
}

// NewOnboardingGraph wires the lead-to-active-client pipeline. The contract
// review loop is the only back-edge: revise_assessment returns the thread
// to draft_contract until the admin approves.
func NewOnboardingGraph(deps OnboardingDeps) (*Graph, error) {
	deps.fillDefaults()

	return NewBuilder().
		Step(StepCreateLead, createLead(deps.CRM)).
		Then(StepLogIntroMeeting, logIntroMeeting(deps.Notifier),
			WithAccepts(ActionMeetingLogged, ActionSendReminder)).
		Branch(routeOnDecision, branchLost, map[string]string{
			DecisionInterested: StepSendPortalInvite,
			branchLost:         StepMarkLost,
		}).
		Step(StepSendPortalInvite, sendPortalInvite(deps.Notifier)).
		Then(StepAwaitSignup, awaitSignup(deps.Notifier),
			WithAccepts(ActionAccountCreated, ActionSendReminder)).
		Then(StepSendIntakeForm, sendIntakeForm(deps.Notifier)).
		Then(StepAwaitIntake, awaitIntake(deps.Notifier),
			WithAccepts(ActionIntakeSubmitted, ActionSendReminder)).
		Then(StepDraftContract, draftContract(deps.Drafter)).
		Then(StepReviewContract, reviewContract(deps.Notifier),
			WithAccepts(ActionContractReviewed, ActionSendReminder)).
		Branch(routeOnDecision, branchRevise, map[string]string{
			DecisionApproved: StepSendForSignature,
			branchRevise:     StepReviseAssessment,
		}).
		Step(StepReviseAssessment, reviseAssessment).
		GoTo(StepDraftContract).
		Step(StepSendForSignature, sendForSignature(deps.Signature)).
		Then(StepAwaitSignature, awaitSignature(deps.Notifier),
			WithAccepts(ActionEnvelopeSigned, ActionSendReminder)).
		Then(StepActivateClient, activateClient(deps.Projects), WithTerminal()).
		Step(StepMarkLost, markLost(deps.CRM), WithTerminal()).
		Build()
}

// routeOnDecision keys conditional edges off the admin's recorded decision.
// Unrecognized tokens fall through to the edge's default branch.
func routeOnDecision(state StateDocument) string {
	switch state.AdminDecision {
	case DecisionInterested:
		return DecisionInterested
	case DecisionApproved:
		return DecisionApproved
	default:
		return ""
	}
}

func createLead(crm CRM) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		if err := crm.RecordLead(ctx, state.ClientName, state.ClientEmail, state.Source); err != nil {
			return Failed(fmt.Errorf("record lead: %w", err))
		}

		return Completed(&StateUpdate{Stage: stagePtr(StageIntroMeeting)})
	}
}

func logIntroMeeting(notifier Notifier) StepFunc {
	const prompt = "Log the intro meeting outcome"

	return func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult {
		if resume == nil {
			return Suspended(prompt, nil)
		}
		if resume.Action == ActionSendReminder {
			return sendReminder(ctx, stepCtx, notifier, state, prompt)
		}

		switch resume.Decision {
		case DecisionInterested, DecisionNotInterested:
		default:
			return Failed(fmt.Errorf("%w: meeting_logged requires a decision, got %q",
				ErrInvalidResumeInput, resume.Decision))
		}

		update := &StateUpdate{
			AdminDecision: strPtr(resume.Decision),
			MeetingNotes:  strPtr(resume.Notes),
		}
		if resume.Price > 0 {
			update.PriceDiscussed = &resume.Price
		}

		return Completed(update)
	}
}

func sendPortalInvite(notifier Notifier) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		if err := notifier.SendPortalInvite(ctx, state.ClientEmail, state.ClientName); err != nil {
			return Failed(fmt.Errorf("send portal invite: %w", err))
		}

		return Completed(&StateUpdate{Stage: stagePtr(StagePortalInviteSent)})
	}
}

func awaitSignup(notifier Notifier) StepFunc {
	const prompt = "Waiting for client portal signup"

	return func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult {
		if resume == nil {
			return Suspended(prompt, nil)
		}
		if resume.Action == ActionSendReminder {
			return sendReminder(ctx, stepCtx, notifier, state, prompt)
		}

		if resume.OrganizationID == "" {
			return Failed(fmt.Errorf("%w: account_created requires an organization id",
				ErrInvalidResumeInput))
		}

		return Completed(&StateUpdate{
			Stage:          stagePtr(StageAccountCreated),
			OrganizationID: strPtr(resume.OrganizationID),
		})
	}
}

func sendIntakeForm(notifier Notifier) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		if err := notifier.SendIntakeForm(ctx, state.ClientEmail); err != nil {
			return Failed(fmt.Errorf("send intake form: %w", err))
		}

		return Completed(&StateUpdate{Stage: stagePtr(StageIntakePending)})
	}
}

func awaitIntake(notifier Notifier) StepFunc {
	const prompt = "Waiting for intake form submission"

	return func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult {
		if resume == nil {
			return Suspended(prompt, nil)
		}
		if resume.Action == ActionSendReminder {
			return sendReminder(ctx, stepCtx, notifier, state, prompt)
		}

		if resume.Notes == "" {
			return Failed(fmt.Errorf("%w: intake_submitted requires the submitted scope",
				ErrInvalidResumeInput))
		}

		return Completed(&StateUpdate{
			Stage:       stagePtr(StageNeedsAssessment),
			ScopeOfWork: strPtr(resume.Notes),
		})
	}
}

func draftContract(drafter DocumentDrafter) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		contractID, err := drafter.DraftContract(ctx, state)
		if err != nil {
			return Failed(fmt.Errorf("draft contract: %w", err))
		}

		return Completed(&StateUpdate{
			Stage:      stagePtr(StageContractDraft),
			ContractID: strPtr(contractID),
		})
	}
}

func reviewContract(notifier Notifier) StepFunc {
	const prompt = "Review the drafted contract"

	return func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult {
		if resume == nil {
			return Suspended(prompt, nil)
		}
		if resume.Action == ActionSendReminder {
			return sendReminder(ctx, stepCtx, notifier, state, prompt)
		}

		switch resume.Decision {
		case DecisionApproved, DecisionRevise:
		default:
			return Failed(fmt.Errorf("%w: contract_reviewed requires a decision, got %q",
				ErrInvalidResumeInput, resume.Decision))
		}

		update := &StateUpdate{AdminDecision: strPtr(resume.Decision)}
		if resume.Decision == DecisionRevise && resume.Notes != "" {
			// Revision feedback folds back into the scope the next
			// draft is built from.
			update.ScopeOfWork = strPtr(resume.Notes)
		}

		return Completed(update)
	}
}

func reviseAssessment(_ context.Context, _ StepContext, _ StateDocument, _ *ResumeInput) StepResult {
	return Completed(&StateUpdate{Stage: stagePtr(StageNeedsAssessment)})
}

func sendForSignature(signature SignatureService) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		envelopeID, err := signature.SendEnvelope(ctx, state.ContractID, state.ClientEmail)
		if err != nil {
			return Failed(fmt.Errorf("send envelope: %w", err))
		}

		return Completed(&StateUpdate{
			Stage:      stagePtr(StageAwaitingSignature),
			EnvelopeID: strPtr(envelopeID),
		})
	}
}

func awaitSignature(notifier Notifier) StepFunc {
	const prompt = "Waiting for contract signature"

	return func(ctx context.Context, stepCtx StepContext, state StateDocument, resume *ResumeInput) StepResult {
		if resume == nil {
			return Suspended(prompt, nil)
		}
		if resume.Action == ActionSendReminder {
			return sendReminder(ctx, stepCtx, notifier, state, prompt)
		}

		if resume.EnvelopeID != "" && resume.EnvelopeID != state.EnvelopeID {
			return Failed(fmt.Errorf("%w: envelope %q does not belong to this thread",
				ErrInvalidResumeInput, resume.EnvelopeID))
		}

		return Completed(nil)
	}
}

func activateClient(projects Provisioner) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		projectID, err := projects.ProvisionProject(ctx, state.OrganizationID, state.ScopeOfWork)
		if err != nil {
			return Failed(fmt.Errorf("provision project: %w", err))
		}

		return Completed(&StateUpdate{
			Stage:     stagePtr(StageActiveClient),
			ProjectID: strPtr(projectID),
		})
	}
}

func markLost(crm CRM) StepFunc {
	return func(ctx context.Context, _ StepContext, state StateDocument, _ *ResumeInput) StepResult {
		if err := crm.MarkLost(ctx, state.ClientEmail, state.MeetingNotes); err != nil {
			return Failed(fmt.Errorf("mark lost: %w", err))
		}

		return Completed(&StateUpdate{Stage: stagePtr(StageLost)})
	}
}

// sendReminder re-suspends the step with the reminder counter bumped, so
// the checkpoint append both records the nudge and resets the idle clock.
func sendReminder(ctx context.Context, stepCtx StepContext, notifier Notifier, state StateDocument, prompt string) StepResult {
	if err := notifier.SendReminder(ctx, state.ClientEmail, state.Stage); err != nil {
		return Failed(fmt.Errorf("send reminder: %w", err))
	}

	count := state.ReminderCount + 1
	stepCtx.Audit(ctx, EventReminderSent, ActorSystem, map[string]any{
		KeyStage:         state.Stage,
		KeyReminderCount: count,
	})

	return Suspended(prompt, &StateUpdate{ReminderCount: &count})
}

func stagePtr(s Stage) *Stage { return &s }
func strPtr(s string) *string { return &s }
