package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/leadflow/leadflow"
)

// Server exposes a read-only inspection surface over the store. All writes
// go through the engine; this API never mutates a thread.
type Server struct {
	api   *APIService
	stats StatsSource
}

func NewServer(store leadflow.Store, stats StatsSource) *Server {
	return &Server{
		api:   NewAPIService(store),
		stats: stats,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/threads", s.HandleGetActiveThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.HandleGetThread)
	mux.HandleFunc("GET /api/threads/{id}/checkpoints", s.HandleGetCheckpoints)
	mux.HandleFunc("GET /api/threads/{id}/events", s.HandleGetEvents)

	mux.HandleFunc("GET /api/stats/stages", s.HandleGetStageStats)
	mux.HandleFunc("GET /api/stats/summary", s.HandleGetSummaryStats)

	return mux
}

func (s *Server) HandleGetActiveThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	threads, err := s.api.GetActiveThreads(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch threads: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, threads)
}

func (s *Server) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	view, err := s.api.GetThread(ctx, id)
	if err != nil {
		if errors.Is(err, leadflow.ErrEntityNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to fetch thread: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, view)
}

func (s *Server) HandleGetCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := s.api.store.GetThread(ctx, id); err != nil {
		if errors.Is(err, leadflow.ErrEntityNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to fetch thread: %v", err), http.StatusInternalServerError)
		return
	}

	checkpoints, err := s.api.GetCheckpoints(ctx, id)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch checkpoints: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, checkpoints)
}

func (s *Server) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	events, err := s.api.GetEvents(ctx, id)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch events: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, events)
}

func (s *Server) HandleGetStageStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.stats.GetStageStats(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch stage stats: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, stats)
}

func (s *Server) HandleGetSummaryStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.stats.GetSummaryStats(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch summary stats: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
