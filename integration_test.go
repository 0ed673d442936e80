package leadflow

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a disposable Postgres via testcontainers and
// returns a migrated store.
func setupPostgresStore(t *testing.T) (*StoreImpl, *PgTxManager, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("leadflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	var pool *pgxpool.Pool
	for i := 0; i < 5; i++ {
		pool, err = pgxpool.New(ctx, connStr)
		if err == nil {
			break
		}
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to create connection pool: %v", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = postgresContainer.Terminate(context.Background())
	}

	return NewStore(pool), NewPgTxManager(pool), cleanup
}

func TestIntegration_FullPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	store, txManager, cleanup := setupPostgresStore(t)
	t.Cleanup(cleanup)

	graph, err := NewOnboardingGraph(OnboardingDeps{})
	require.NoError(t, err)

	engine := NewEngine(graph,
		WithEngineStore(store),
		WithEngineTxManager(txManager),
	)

	ctx := context.Background()

	threadID, err := engine.StartThread(ctx, SeedFields{
		ClientName:  "PG Client",
		ClientEmail: "pg@acme.test",
		Source:      "website",
	})
	require.NoError(t, err)

	outcome, err := engine.Advance(ctx, threadID, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)

	steps := []*ResumeInput{
		{Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionInterested, Price: 2000},
		{Action: ActionAccountCreated, Actor: ActorClient, OrganizationID: "org-pg"},
		{Action: ActionIntakeSubmitted, Actor: ActorClient, Notes: "full accounting"},
		{Action: ActionContractReviewed, Actor: ActorAdmin, Decision: DecisionApproved},
	}
	for _, resume := range steps {
		outcome, err = engine.ResumeThread(ctx, ThreadCriteria{Email: "pg@acme.test"}, resume)
		require.NoError(t, err)
		require.Equal(t, OutcomePaused, outcome)
	}

	state, err := engine.State(ctx, threadID)
	require.NoError(t, err)
	require.NotEmpty(t, state.EnvelopeID)

	outcome, err = engine.ResumeThread(ctx, ThreadCriteria{EnvelopeID: state.EnvelopeID}, &ResumeInput{
		Action: ActionEnvelopeSigned, Actor: ActorClient,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	// Durable record survives in full.
	checkpoints, err := store.ListCheckpoints(ctx, threadID)
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)
	for i, cp := range checkpoints {
		assert.Equal(t, int64(i+1), cp.Seq)
	}
	assert.True(t, checkpoints[len(checkpoints)-1].Done)
	assert.Equal(t, StageActiveClient, checkpoints[len(checkpoints)-1].State.Stage)

	events, err := store.GetEvents(ctx, threadID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	entry, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, ThreadStatusCompleted, entry.Status)
}

func TestIntegration_DuplicateCorrelation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	store, _, cleanup := setupPostgresStore(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	require.NoError(t, store.CreateThread(ctx, &ThreadEntry{
		ID:          "dup-1",
		ClientEmail: strp("dup@acme.test"),
	}))

	err := store.CreateThread(ctx, &ThreadEntry{
		ID:          "dup-2",
		ClientEmail: strp("dup@acme.test"),
	})
	require.ErrorIs(t, err, ErrDuplicateCorrelation)

	// Completion releases the key.
	require.NoError(t, store.MarkThreadCompleted(ctx, "dup-1"))
	require.NoError(t, store.CreateThread(ctx, &ThreadEntry{
		ID:          "dup-3",
		ClientEmail: strp("dup@acme.test"),
	}))
}

func TestIntegration_Monitor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	store, txManager, cleanup := setupPostgresStore(t)
	t.Cleanup(cleanup)

	graph, err := NewOnboardingGraph(OnboardingDeps{})
	require.NoError(t, err)

	engine := NewEngine(graph,
		WithEngineStore(store),
		WithEngineTxManager(txManager),
	)

	ctx := context.Background()

	// One thread parked at the intro meeting, one completed as lost.
	_, err = engine.StartThread(ctx, SeedFields{ClientEmail: "parked@acme.test"})
	require.NoError(t, err)
	parkedID, err := store.FindThread(ctx, ThreadCriteria{Email: "parked@acme.test"})
	require.NoError(t, err)
	_, err = engine.Advance(ctx, parkedID.ID, nil)
	require.NoError(t, err)

	lostID, err := engine.StartThread(ctx, SeedFields{ClientEmail: "gone@acme.test"})
	require.NoError(t, err)
	_, err = engine.Advance(ctx, lostID, nil)
	require.NoError(t, err)
	_, err = engine.Advance(ctx, lostID, &ResumeInput{
		Action: ActionMeetingLogged, Actor: ActorAdmin, Decision: DecisionNotInterested,
	})
	require.NoError(t, err)

	monitor := NewMonitor(store)

	summary, err := monitor.GetSummaryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), summary.TotalThreads)
	assert.Equal(t, uint(1), summary.ActiveThreads)
	assert.Equal(t, uint(1), summary.CompletedThreads)

	stages, err := monitor.GetStageStats(ctx)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, StageIntroMeeting, stages[0].Stage)
	assert.Equal(t, 1, stages[0].Threads)
}
