package leadflow

import (
	"context"
	"log"
)

var _ StepContext = (*executionContext)(nil)

type executionContext struct {
	threadID string
	stepName string
	store    Store
}

func (c *executionContext) ThreadID() string {
	return c.threadID
}

func (c *executionContext) StepName() string {
	return c.stepName
}

// Audit appends an event to the thread's trail. Failures go to the
// secondary log channel only; they never propagate into the step.
func (c *executionContext) Audit(ctx context.Context, eventType string, actor Actor, payload any) {
	if err := c.store.LogEvent(ctx, c.threadID, c.stepName, eventType, actor, payload); err != nil {
		log.Printf("audit log failed: thread=%s step=%s event=%s: %v", c.threadID, c.stepName, eventType, err)
	}
}
