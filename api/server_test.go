package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/leadflow"
)

type staticStats struct {
	stages  []leadflow.StageStats
	summary leadflow.SummaryStats
}

func (s *staticStats) GetStageStats(context.Context) ([]leadflow.StageStats, error) {
	return s.stages, nil
}

func (s *staticStats) GetSummaryStats(context.Context) (leadflow.SummaryStats, error) {
	return s.summary, nil
}

func setupServer(t *testing.T) (*leadflow.MemoryStore, *httptest.Server) {
	t.Helper()

	store := leadflow.NewMemoryStore()
	server := NewServer(store, &staticStats{
		stages:  []leadflow.StageStats{{Stage: leadflow.StageIntroMeeting, Threads: 1}},
		summary: leadflow.SummaryStats{TotalThreads: 1, ActiveThreads: 1},
	})

	ts := httptest.NewServer(server.Mux())
	t.Cleanup(ts.Close)

	return store, ts
}

func seedThread(t *testing.T, store *leadflow.MemoryStore, id, email string) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, store.CreateThread(ctx, &leadflow.ThreadEntry{
		ID:          id,
		ClientEmail: &email,
	}))

	_, err := store.AppendCheckpoint(ctx, &leadflow.Checkpoint{
		ThreadID: id,
		State: leadflow.StateDocument{
			ClientEmail: email,
			Stage:       leadflow.StageIntroMeeting,
		},
		NextStep:      "log_intro_meeting",
		AwaitingInput: true,
		Prompt:        "Log the intro meeting outcome",
	})
	require.NoError(t, err)
}

func TestServerThreads(t *testing.T) {
	store, ts := setupServer(t)
	seedThread(t, store, "t1", "web@acme.test")

	t.Run("list active threads", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/threads")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var threads []leadflow.ThreadEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&threads))
		require.Len(t, threads, 1)
		assert.Equal(t, "t1", threads[0].ID)
	})

	t.Run("get thread view", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/threads/t1")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view ThreadView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, "log_intro_meeting", view.CurrentStep)
		assert.True(t, view.AwaitingInput)
		assert.Equal(t, leadflow.StageIntroMeeting, view.State.Stage)
	})

	t.Run("unknown thread is 404", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/threads/missing")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("checkpoints", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/threads/t1/checkpoints")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var checkpoints []leadflow.Checkpoint
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&checkpoints))
		require.Len(t, checkpoints, 1)
		assert.Equal(t, int64(1), checkpoints[0].Seq)
	})
}

func TestServerStats(t *testing.T) {
	_, ts := setupServer(t)

	t.Run("stage stats", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/stats/stages")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stages []leadflow.StageStats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stages))
		require.Len(t, stages, 1)
		assert.Equal(t, leadflow.StageIntroMeeting, stages[0].Stage)
	})

	t.Run("summary stats", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/stats/summary")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var summary leadflow.SummaryStats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
		assert.Equal(t, uint(1), summary.ActiveThreads)
	})
}
