package server

import (
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/storage"
)

type flowSpecRequest struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	Instructions        string `json:"instructions"`
	SuccessCriteria     string `json:"successCriteria"`
	Difficulty          string `json:"difficulty"`
	Category            string `json:"category"`
	TargetURL           string `json:"targetUrl"`
	EstimatedDurationMs *int64 `json:"estimatedDurationMs"`
}

type createFlowsRequest struct {
	Flows []flowSpecRequest `json:"flows"`
}

func (s *Server) handleCreateFlows(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	var req createFlowsRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if len(req.Flows) == 0 {
		respondError(w, http.StatusBadRequest, stdliberrors.New("at least one flow required"))
		return
	}
	metricAPIRequests.WithLabelValues("flows").Inc()

	flows := make([]*storage.Flow, 0, len(req.Flows))
	for _, spec := range req.Flows {
		if strings.TrimSpace(spec.Name) == "" {
			respondError(w, http.StatusBadRequest, stdliberrors.New("flow name required"))
			return
		}
		flows = append(flows, &storage.Flow{
			ID:                  ulid.Make().String(),
			RunID:               run.ID,
			Name:                spec.Name,
			Description:         spec.Description,
			Instructions:        spec.Instructions,
			Status:              storage.FlowStatusPending,
			SuccessCriteria:     spec.SuccessCriteria,
			Difficulty:          spec.Difficulty,
			Category:            spec.Category,
			TargetURL:           spec.TargetURL,
			EstimatedDurationMs: spec.EstimatedDurationMs,
		})
	}
	if err := s.store.CreateFlowBatch(run.ID, flows); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"runId": run.ID, "flows": flows})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	flows, err := s.store.ListFlowsByRun(run.ID, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runId": run.ID, "flows": flows})
}

type approveFlowsRequest struct {
	FlowIDs []string `json:"flowIds"`
}

func (s *Server) handleApproveFlows(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	var req approveFlowsRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if len(req.FlowIDs) == 0 {
		respondError(w, http.StatusBadRequest, stdliberrors.New("flowIds required"))
		return
	}
	metricAPIRequests.WithLabelValues("flows").Inc()

	// The store scopes the update to this run, so foreign ids are dropped
	// silently, same as unknown ids.
	approved, err := s.store.ApproveFlows(run.ID, req.FlowIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runId": run.ID, "approved": approved})
}

type reorderFlowsRequest struct {
	Order []storage.FlowOrder `json:"order"`
}

func (s *Server) handleReorderFlows(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.requireRunAccess(w, r, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	var req reorderFlowsRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if len(req.Order) == 0 {
		respondError(w, http.StatusBadRequest, stdliberrors.New("order required"))
		return
	}
	if err := s.store.ReorderFlows(run.ID, req.Order); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	flows, err := s.store.ListFlowsByRun(run.ID, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runId": run.ID, "flows": flows})
}

type updateFlowStatusRequest struct {
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt"`
	ActualDurationMs *int64     `json:"actualDurationMs"`
}

func (s *Server) handleUpdateFlowStatus(w http.ResponseWriter, r *http.Request) {
	flow, _, ok := s.requireFlowAccess(w, r, chi.URLParam(r, "flowID"))
	if !ok {
		return
	}
	var req updateFlowStatusRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("status required"))
		return
	}
	if err := s.store.UpdateFlowStatus(flow.ID, req.Status, req.StartedAt, req.CompletedAt, req.ActualDurationMs); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.store.GetFlow(flow.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"flow": updated})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flow, _, ok := s.requireFlowAccess(w, r, chi.URLParam(r, "flowID"))
	if !ok {
		return
	}
	if err := s.store.RemoveFlow(flow.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
