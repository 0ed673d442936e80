package api

import (
	"context"

	"github.com/leadflow/leadflow"
)

type APIService struct {
	store leadflow.Store
}

func NewAPIService(store leadflow.Store) *APIService {
	return &APIService{
		store: store,
	}
}

func (a *APIService) GetActiveThreads(ctx context.Context) ([]leadflow.ThreadEntry, error) {
	return a.store.ListActiveThreads(ctx)
}

func (a *APIService) GetThread(ctx context.Context, threadID string) (*ThreadView, error) {
	entry, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	cp, err := a.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}

	return &ThreadView{
		Entry:         *entry,
		State:         cp.State,
		CurrentStep:   cp.NextStep,
		AwaitingInput: cp.AwaitingInput,
		Prompt:        cp.Prompt,
		Done:          cp.Done,
	}, nil
}

func (a *APIService) GetCheckpoints(ctx context.Context, threadID string) ([]leadflow.Checkpoint, error) {
	return a.store.ListCheckpoints(ctx, threadID)
}

func (a *APIService) GetEvents(ctx context.Context, threadID string) ([]leadflow.AuditEvent, error) {
	return a.store.GetEvents(ctx, threadID)
}
