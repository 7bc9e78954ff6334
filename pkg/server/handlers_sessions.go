package server

import (
	stdliberrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/storage"
)

type createSessionRequest struct {
	FlowID         string         `json:"flowId"`
	TaskID         string         `json:"taskId"`
	LiveURL        string         `json:"liveUrl"`
	UserAgent      string         `json:"userAgent"`
	ViewportWidth  int            `json:"viewportWidth"`
	ViewportHeight int            `json:"viewportHeight"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.FlowID) == "" || strings.TrimSpace(req.TaskID) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("flowId and taskId required"))
		return
	}
	metricAPIRequests.WithLabelValues("sessions").Inc()

	// Ownership of the parent run gates session creation.
	flow, _, ok := s.requireFlowAccess(w, r, req.FlowID)
	if !ok {
		return
	}

	session := &storage.BrowserSession{
		ID:             ulid.Make().String(),
		FlowID:         flow.ID,
		RunID:          flow.RunID,
		Principal:      principal.Name,
		TaskID:         req.TaskID,
		Status:         storage.SessionStatusInitializing,
		LiveURL:        req.LiveURL,
		UserAgent:      req.UserAgent,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
		Metadata:       req.Metadata,
	}
	if err := s.store.CreateBrowserSession(session); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"session": session})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if taskID := strings.TrimSpace(r.URL.Query().Get("task_id")); taskID != "" {
		session, err := s.store.GetBrowserSessionByTask(taskID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		if session == nil || session.Principal != principal.Name {
			respondError(w, http.StatusNotFound, stdliberrors.New("session not found"))
			return
		}
		respondJSON(w, map[string]any{"session": session})
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	sessions, err := s.store.ListBrowserSessionsByPrincipal(principal.Name, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	respondJSON(w, map[string]any{"session": session})
}

type updateSessionRequest struct {
	Status        *string        `json:"status"`
	CurrentURL    *string        `json:"currentUrl"`
	CurrentAction *string        `json:"currentAction"`
	Progress      *int           `json:"progress"`
	LiveURL       *string        `json:"liveUrl"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	var req updateSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	err := s.store.UpdateBrowserSession(session.ID, storage.BrowserSessionUpdate{
		Status:        req.Status,
		CurrentURL:    req.CurrentURL,
		CurrentAction: req.CurrentAction,
		Progress:      req.Progress,
		LiveURL:       req.LiveURL,
		Metadata:      req.Metadata,
	})
	if err != nil {
		if stdliberrors.Is(err, storage.ErrSessionTerminal) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.store.GetBrowserSession(session.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"session": updated})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	if err := s.store.DeleteBrowserSession(session.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	events, err := s.store.ListSessionEvents(session.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"sessionId": session.ID, "events": events})
}

type logSessionEventRequest struct {
	EventType string         `json:"eventType"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
}

func (s *Server) handleLogSessionEvent(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	var req logSessionEventRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("eventType required"))
		return
	}
	if req.Level == "" {
		req.Level = storage.EventLevelInfo
	}
	event := &storage.SessionEvent{
		SessionID: session.ID,
		FlowID:    session.FlowID,
		RunID:     session.RunID,
		EventType: req.EventType,
		Level:     req.Level,
		Message:   req.Message,
		Data:      req.Data,
	}
	if err := s.store.LogSessionEvent(event); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"event": event})
}

func (s *Server) handleSessionSteps(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.requireSessionAccess(w, r, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	steps, err := s.store.ListExecutionSteps(session.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"sessionId": session.ID, "steps": steps})
}

// handleSessionAudit lists deletion audit entries recorded for a task id.
func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("task_id required"))
		return
	}
	entries, err := s.store.ListSessionAudit(taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	filtered := make([]storage.SessionAuditEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Principal == principal.Name {
			filtered = append(filtered, entry)
		}
	}
	respondJSON(w, map[string]any{"taskId": taskID, "audit": filtered})
}
