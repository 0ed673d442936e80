package api

import (
	"context"

	"github.com/leadflow/leadflow"
)

// StatsSource is the slice of the monitor the server needs.
type StatsSource interface {
	GetStageStats(ctx context.Context) ([]leadflow.StageStats, error)
	GetSummaryStats(ctx context.Context) (leadflow.SummaryStats, error)
}

// ThreadView joins a thread's registry entry with its latest checkpoint.
type ThreadView struct {
	Entry         leadflow.ThreadEntry   `json:"entry"`
	State         leadflow.StateDocument `json:"state"`
	CurrentStep   string                 `json:"current_step,omitempty"`
	AwaitingInput bool                   `json:"awaiting_input"`
	Prompt        string                 `json:"prompt,omitempty"`
	Done          bool                   `json:"done"`
}
