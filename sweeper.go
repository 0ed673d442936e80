package leadflow

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Advancer is the slice of the engine the sweeper needs.
type Advancer interface {
	Advance(ctx context.Context, threadID string, resume *ResumeInput) (Outcome, error)
}

// Sweeper scans suspended threads and nudges the ones that have sat idle
// past their stage policy's threshold. Reminders are delivered through the
// regular Advance path, so each one lands as an ordinary checkpoint and
// resets the idle clock.
type Sweeper struct {
	store    Store
	advancer Advancer
	policies StagePolicies
	metrics  *Metrics
	now      func() time.Time
}

type SweeperOption func(sweeper *Sweeper)

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.now = now
	}
}

func WithSweeperMetrics(metrics *Metrics) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.metrics = metrics
	}
}

func NewSweeper(store Store, advancer Advancer, policies StagePolicies, opts ...SweeperOption) *Sweeper {
	sweeper := &Sweeper{
		store:    store,
		advancer: advancer,
		policies: policies,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	return sweeper
}

// SweepOnce makes a single pass over all active threads. A failure on one
// thread is logged and counted; it never aborts the pass.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	started := time.Now()

	threads, err := sweeper.store.ListActiveThreads(ctx)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list active threads: %w", err)
	}

	var stats SweepStats
	for i := range threads {
		stats.Scanned++

		if err := sweeper.sweepThread(ctx, &threads[i], &stats); err != nil {
			stats.Errors++
			log.Printf("[sweeper] thread %s: %v", threads[i].ID, err)
		}
	}

	sweeper.metrics.sweepObserved(time.Since(started))

	return stats, nil
}

func (sweeper *Sweeper) sweepThread(ctx context.Context, entry *ThreadEntry, stats *SweepStats) error {
	cp, err := sweeper.store.LatestCheckpoint(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("latest checkpoint: %w", err)
	}

	// Only suspended threads have an idle clock. Running or finished ones
	// are the engine's business.
	if !cp.AwaitingInput || cp.Done {
		return nil
	}

	policy, ok := sweeper.policies[cp.State.Stage]
	if !ok {
		return nil
	}

	if sweeper.now().Sub(cp.State.LastActivityAt) < policy.Threshold() {
		return nil
	}

	if cp.State.ReminderCount >= policy.MaxReminders {
		// Escalate exactly once per thread, then leave it for a human.
		if entry.RemindersExhausted {
			return nil
		}

		if err := sweeper.store.MarkRemindersExhausted(ctx, entry.ID); err != nil {
			return fmt.Errorf("mark reminders exhausted: %w", err)
		}

		_ = sweeper.store.LogEvent(ctx, entry.ID, cp.NextStep, EventRemindersExhausted, ActorSystem, map[string]any{
			KeyStage:         cp.State.Stage,
			KeyReminderCount: cp.State.ReminderCount,
		})

		stats.Exhausted++

		return nil
	}

	outcome, err := sweeper.advancer.Advance(ctx, entry.ID, &ResumeInput{
		Action: ActionSendReminder,
		Actor:  ActorSystem,
	})
	if err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}
	if outcome != OutcomePaused {
		return fmt.Errorf("unexpected reminder outcome %q", outcome)
	}

	sweeper.metrics.reminderSent()
	stats.Reminded++

	return nil
}
