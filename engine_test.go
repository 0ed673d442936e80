package leadflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, deps OnboardingDeps) (*Engine, *MemoryStore) {
	t.Helper()

	graph, err := NewOnboardingGraph(deps)
	require.NoError(t, err)

	store := NewMemoryStore()

	return NewEngine(graph, WithEngineStore(store)), store
}

// startAtIntroMeeting starts a thread and advances it to the first
// suspension point.
func startAtIntroMeeting(t *testing.T, engine *Engine, email string) string {
	t.Helper()

	ctx := context.Background()

	threadID, err := engine.StartThread(ctx, SeedFields{
		ClientName:  "Acme Corp",
		ClientEmail: email,
		Source:      "referral",
	})
	require.NoError(t, err)

	outcome, err := engine.Advance(ctx, threadID, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)

	return threadID
}

func resumeByEmail(t *testing.T, engine *Engine, email string, resume *ResumeInput) Outcome {
	t.Helper()

	outcome, err := engine.ResumeThread(context.Background(), ThreadCriteria{Email: email}, resume)
	require.NoError(t, err)

	return outcome
}

func TestHappyPath(t *testing.T) {
	engine, store := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "ops@acme.test")

	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageIntroMeeting, state.Stage)

	// Admin logs the meeting: interested.
	outcome := resumeByEmail(t, engine, "ops@acme.test", &ResumeInput{
		Action:   ActionMeetingLogged,
		Actor:    ActorAdmin,
		Decision: DecisionInterested,
		Notes:    "wants monthly bookkeeping",
		Price:    1500,
	})
	assert.Equal(t, OutcomePaused, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StagePortalInviteSent, state.Stage)
	assert.Equal(t, "wants monthly bookkeeping", state.MeetingNotes)
	assert.InDelta(t, 1500.0, state.PriceDiscussed, 0.001)
	// the routing edge consumed the decision token
	assert.Empty(t, state.AdminDecision)

	// Client signs up in the portal.
	outcome = resumeByEmail(t, engine, "ops@acme.test", &ResumeInput{
		Action:         ActionAccountCreated,
		Actor:          ActorClient,
		OrganizationID: "org-77",
	})
	assert.Equal(t, OutcomePaused, outcome)

	// The learned org id is now a usable correlation key.
	entry, err := store.FindThread(ctx, ThreadCriteria{OrganizationID: "org-77"})
	require.NoError(t, err)
	assert.Equal(t, threadID, entry.ID)

	// Intake form comes back, correlated by org id this time.
	outcome, err = engine.ResumeThread(ctx, ThreadCriteria{OrganizationID: "org-77"}, &ResumeInput{
		Action: ActionIntakeSubmitted,
		Actor:  ActorClient,
		Notes:  "monthly bookkeeping and payroll for 12 employees",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageContractDraft, state.Stage)
	assert.NotEmpty(t, state.ContractID)

	// Admin approves the contract.
	outcome = resumeByEmail(t, engine, "ops@acme.test", &ResumeInput{
		Action:   ActionContractReviewed,
		Actor:    ActorAdmin,
		Decision: DecisionApproved,
	})
	assert.Equal(t, OutcomePaused, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingSignature, state.Stage)
	require.NotEmpty(t, state.EnvelopeID)

	// Signature webhook correlates by envelope id.
	outcome, err = engine.ResumeThread(ctx, ThreadCriteria{EnvelopeID: state.EnvelopeID}, &ResumeInput{
		Action:     ActionEnvelopeSigned,
		Actor:      ActorClient,
		EnvelopeID: state.EnvelopeID,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageActiveClient, state.Stage)
	assert.NotEmpty(t, state.ProjectID)
	assert.Nil(t, state.Error)

	entry, err = store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, ThreadStatusCompleted, entry.Status)

	// The checkpoint chain is strictly monotonic and ends done.
	checkpoints, err := engine.Checkpoints(ctx, threadID)
	require.NoError(t, err)
	for i, cp := range checkpoints {
		assert.Equal(t, int64(i+1), cp.Seq)
	}
	assert.True(t, checkpoints[len(checkpoints)-1].Done)
}

func TestNotInterestedRoutesToLost(t *testing.T) {
	engine, store := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "cold@lead.test")

	outcome := resumeByEmail(t, engine, "cold@lead.test", &ResumeInput{
		Action:   ActionMeetingLogged,
		Actor:    ActorAdmin,
		Decision: DecisionNotInterested,
		Notes:    "budget too small",
	})
	assert.Equal(t, OutcomeCompleted, outcome)

	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageLost, state.Stage)

	entry, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, ThreadStatusCompleted, entry.Status)
}

func TestContractRevisionLoop(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "loop@acme.test")

	resumeByEmail(t, engine, "loop@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested,
	})
	resumeByEmail(t, engine, "loop@acme.test", &ResumeInput{
		Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-loop",
	})
	resumeByEmail(t, engine, "loop@acme.test", &ResumeInput{
		Action: ActionIntakeSubmitted, Actor: ActorClient, Notes: "original scope",
	})

	// Admin asks for changes: the thread loops back through assessment and
	// drafting to a fresh review.
	outcome := resumeByEmail(t, engine, "loop@acme.test", &ResumeInput{
		Action:   ActionContractReviewed,
		Actor:    ActorAdmin,
		Decision: DecisionRevise,
		Notes:    "original scope plus quarterly reviews",
	})
	assert.Equal(t, OutcomePaused, outcome)

	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageContractDraft, state.Stage)
	assert.Equal(t, "original scope plus quarterly reviews", state.ScopeOfWork)

	// Second review approves.
	outcome = resumeByEmail(t, engine, "loop@acme.test", &ResumeInput{
		Action:   ActionContractReviewed,
		Actor:    ActorAdmin,
		Decision: DecisionApproved,
	})
	assert.Equal(t, OutcomePaused, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingSignature, state.Stage)
}

func TestStaleResume(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "dup@acme.test")

	resumeByEmail(t, engine, "dup@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested,
	})
	resumeByEmail(t, engine, "dup@acme.test", &ResumeInput{
		Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-dup",
	})

	before, err := engine.Checkpoints(ctx, threadID)
	require.NoError(t, err)

	// The signup webhook fires a second time; the thread is already past
	// that suspension point.
	outcome, err := engine.Advance(ctx, threadID, &ResumeInput{
		Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-dup",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleResume, outcome)

	// Nothing was persisted beyond the audit record.
	after, err := engine.Checkpoints(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	events, err := engine.Events(ctx, threadID)
	require.NoError(t, err)

	var sawStale bool
	for _, event := range events {
		if event.EventType == EventStaleResume {
			sawStale = true
		}
	}
	assert.True(t, sawStale)
}

func TestInvalidResumeInput(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "bad@acme.test")

	before, err := engine.Checkpoints(ctx, threadID)
	require.NoError(t, err)

	t.Run("unknown action", func(t *testing.T) {
		_, err := engine.Advance(ctx, threadID, &ResumeInput{
			Action: ResumeAction("mystery_action"),
		})
		require.ErrorIs(t, err, ErrInvalidResumeInput)
	})

	t.Run("malformed payload for the current step", func(t *testing.T) {
		_, err := engine.Advance(ctx, threadID, &ResumeInput{
			Action: ActionMeetingLogged,
			Actor:  ActorAdmin,
			// no decision
		})
		require.ErrorIs(t, err, ErrInvalidResumeInput)
	})

	after, err := engine.Checkpoints(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "rejected input must persist nothing")
}

func TestResumeAfterCompletion(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "done@acme.test")

	outcome := resumeByEmail(t, engine, "done@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionNotInterested,
	})
	require.Equal(t, OutcomeCompleted, outcome)

	// A late webhook on a finished thread is stale, not an error.
	outcome, err := engine.Advance(ctx, threadID, &ResumeInput{Action: ActionAccountCreated})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleResume, outcome)

	// Advancing without input just reports completion.
	outcome, err = engine.Advance(ctx, threadID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestResumeThreadMisses(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	t.Run("no matching thread", func(t *testing.T) {
		_, err := engine.ResumeThread(ctx, ThreadCriteria{Email: "nobody@acme.test"}, &ResumeInput{
			Action: ActionAccountCreated,
		})
		require.ErrorIs(t, err, ErrNoMatchingThread)
	})

	t.Run("empty criteria", func(t *testing.T) {
		_, err := engine.ResumeThread(ctx, ThreadCriteria{}, &ResumeInput{
			Action: ActionAccountCreated,
		})
		require.ErrorIs(t, err, ErrNoMatchingThread)
	})
}

type flakyDrafter struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (d *flakyDrafter) DraftContract(_ context.Context, state StateDocument) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.calls <= d.failures {
		return "", errors.New("document service unavailable")
	}

	return fmt.Sprintf("contract-%s-%d", state.OrganizationID, d.calls), nil
}

func TestStepFailureAndRetry(t *testing.T) {
	drafter := &flakyDrafter{failures: 1}
	engine, _ := newTestEngine(t, OnboardingDeps{Drafter: drafter})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "retry@acme.test")

	resumeByEmail(t, engine, "retry@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested,
	})
	resumeByEmail(t, engine, "retry@acme.test", &ResumeInput{
		Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-retry",
	})

	// Intake submission reaches draft_contract, which fails once.
	outcome, err := engine.ResumeThread(ctx, ThreadCriteria{Email: "retry@acme.test"}, &ResumeInput{
		Action: ActionIntakeSubmitted, Actor: ActorClient, Notes: "scope",
	})
	assert.Equal(t, OutcomeErrored, outcome)

	var execErr *StepExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StepDraftContract, execErr.Step)

	// The failure is recorded durably at the failing step.
	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	require.NotNil(t, state.Error)
	assert.Contains(t, *state.Error, "document service unavailable")

	cp, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, StageNeedsAssessment, cp.Stage)

	// A bare Advance retries from the checkpoint; this time drafting works.
	outcome, err = engine.Advance(ctx, threadID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	state, err = engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Nil(t, state.Error)
	assert.Equal(t, StageContractDraft, state.Stage)
	assert.Equal(t, 2, drafter.calls)
}

func TestConcurrentResumeSerializes(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "race@acme.test")

	resumeByEmail(t, engine, "race@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested,
	})

	// Two copies of the same signup webhook race; exactly one advances the
	// thread, the other observes a stale resume.
	const workers = 2
	outcomes := make(chan Outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			outcome, err := engine.Advance(ctx, threadID, &ResumeInput{
				Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-race",
			})
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := make(map[Outcome]int)
	for outcome := range outcomes {
		counts[outcome]++
	}

	assert.Equal(t, 1, counts[OutcomePaused])
	assert.Equal(t, 1, counts[OutcomeStaleResume])
}

type failingReminderNotifier struct {
	noopCollaborator
	mu    sync.Mutex
	calls int
}

func (n *failingReminderNotifier) SendReminder(context.Context, string, Stage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls++

	return errors.New("smtp relay unavailable")
}

func TestResumeDeliveredAfterFailedReminder(t *testing.T) {
	notifier := &failingReminderNotifier{}
	engine, _ := newTestEngine(t, OnboardingDeps{Notifier: notifier})
	ctx := context.Background()

	threadID := startAtIntroMeeting(t, engine, "errored@acme.test")

	resumeByEmail(t, engine, "errored@acme.test", &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested,
	})

	// A reminder fails at the suspension point, leaving the thread errored
	// but still parked at await_signup.
	outcome, err := engine.Advance(ctx, threadID, &ResumeInput{
		Action: ActionSendReminder, Actor: ActorSystem,
	})
	assert.Equal(t, OutcomeErrored, outcome)

	var execErr *StepExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StepAwaitSignup, execErr.Step)

	// The genuine signup webhook is not stale: the suspension point was
	// never passed, so the input must land there and carry its payload.
	outcome = resumeByEmail(t, engine, "errored@acme.test", &ResumeInput{
		Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-late",
	})
	assert.Equal(t, OutcomePaused, outcome)

	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "org-late", state.OrganizationID)
	assert.Nil(t, state.Error)
	assert.Equal(t, StageIntakePending, state.Stage)
	assert.Equal(t, 1, notifier.calls)
}

func TestThreadLockTableEvicted(t *testing.T) {
	engine, _ := newTestEngine(t, OnboardingDeps{})
	ctx := context.Background()

	const threads = 5
	for i := 0; i < threads; i++ {
		email := fmt.Sprintf("evict-%d@acme.test", i)
		threadID := startAtIntroMeeting(t, engine, email)

		_, err := engine.Advance(ctx, threadID, &ResumeInput{
			Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionNotInterested,
		})
		require.NoError(t, err)
	}

	// Lock entries live only while an Advance is in flight.
	engine.mu.Lock()
	remaining := len(engine.locks)
	engine.mu.Unlock()
	assert.Zero(t, remaining)
}
