package server

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type createRunRequest struct {
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	TargetURL string `json:"targetUrl"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !s.mutLimiter.Allow("run:" + principal.Name) {
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("rate limit exceeded"))
		return
	}
	var req createRunRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("prompt required"))
		return
	}
	metricAPIRequests.WithLabelValues("runs").Inc()

	run, err := s.orch.CreateRun(r.Context(), principal.Name, req.Name, req.Prompt, req.TargetURL)
	if err != nil {
		respondAppError(w, err)
		return
	}
	// Re-read so the response carries the post-generation status and
	// flow counters.
	if fresh, err := s.store.GetTestRun(run.ID); err == nil && fresh != nil {
		run = fresh
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"run": run})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	runs, err := s.store.ListTestRuns(principal.Name, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	respondJSON(w, map[string]any{"run": run})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	if err := s.store.DeleteTestRun(run.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteRun starts executing the run's approved flows in the
// background and returns immediately.
func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	run, principal, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	if !s.mutLimiter.Allow("execute:" + principal.Name) {
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("rate limit exceeded"))
		return
	}
	metricAPIRequests.WithLabelValues("runs").Inc()

	runID := run.ID
	go func() {
		if err := s.orch.ExecuteRun(context.Background(), runID); err != nil {
			s.logger.Printf("run %s execution failed: %v", runID, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	respondJSON(w, map[string]string{"runId": runID, "status": "accepted"})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	stats, err := s.store.GetFlowStats(run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runId": run.ID, "stats": stats})
}
