package server

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type cloudCreateTaskRequest struct {
	Instructions string `json:"instructions"`
}

// handleCloudCreateTask proxies a task straight to the browser cloud,
// bypassing run bookkeeping. Used by the standalone test page.
func (s *Server) handleCloudCreateTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if s.cloudClient == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("browser cloud not configured"))
		return
	}
	if !s.mutLimiter.Allow("cloud:" + principal.Name) {
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("rate limit exceeded"))
		return
	}
	var req cloudCreateTaskRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("instructions required"))
		return
	}
	metricAPIRequests.WithLabelValues("cloud").Inc()

	task, err := s.cloudClient.CreateTask(r.Context(), req.Instructions)
	if err != nil {
		respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"task": task})
}

func (s *Server) handleCloudGetTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	if s.cloudClient == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("browser cloud not configured"))
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("task id required"))
		return
	}
	detail, err := s.cloudClient.GetTask(r.Context(), taskID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, map[string]any{"task": detail})
}

// handleCloudTaskStream streams task progress over SSE until the task
// reaches a terminal state or the client disconnects.
func (s *Server) handleCloudTaskStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	if s.cloudClient == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("browser cloud not configured"))
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("task id required"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, stdliberrors.New("streaming not supported"))
		return
	}

	ctx := r.Context()
	updates := s.cloudClient.Watch(ctx, taskID)

	writeEvent := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(map[string]any{"type": "connected", "taskId": taskID, "timestamp": time.Now()}) {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeEvent(map[string]any{"type": "heartbeat", "timestamp": time.Now()}) {
				return
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Err != nil {
				if !writeEvent(map[string]any{
					"type":      "error",
					"taskId":    update.TaskID,
					"error":     update.Err.Error(),
					"timestamp": update.Timestamp,
				}) {
					return
				}
				continue
			}
			if !writeEvent(update) {
				return
			}
		}
	}
}
