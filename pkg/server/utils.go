package server

import (
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/storage"
)

// rateLimiter provides simple per-key rate limiting.
type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok {
		if now.Sub(last) < r.interval {
			return false
		}
	}
	r.last[key] = now
	return true
}

// parseIntDefault parses an integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

func errBindWithoutAuth(addr string) error {
	return fmt.Errorf("refusing to bind API to %q without authentication (set server.require_token and server.auth_token)", addr)
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error       string   `json:"error"`
		Status      int      `json:"status"`
		Code        string   `json:"code,omitempty"`
		Message     string   `json:"message"`
		Details     string   `json:"details,omitempty"`
		Remediation []string `json:"remediation,omitempty"`
		Retryable   bool     `json:"retryable,omitempty"`
		Timestamp   string   `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var appErr *apperrors.Error
	if stdliberrors.As(err, &appErr) {
		response.Code = string(appErr.Code)
		if appErr.UserMessage != "" {
			response.Message = appErr.UserMessage
		} else if appErr.Message != "" {
			response.Message = appErr.Message
		}
		if len(appErr.Remediation) > 0 {
			response.Remediation = append([]string{}, appErr.Remediation...)
		}
		response.Retryable = appErr.IsRetryable()
		response.Details = appErr.Error()
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil {
		response.Details = fmt.Sprintf("%v", err)
	}
	if len(response.Remediation) == 0 {
		response.Remediation = defaultRemediation(response.Code, status)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// respondAppError maps a structured error code onto an HTTP status.
func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeAccessDenied, apperrors.ErrCodeTaskNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeRunTerminal, apperrors.ErrCodeSessionTerminal:
		return http.StatusConflict
	case apperrors.ErrCodeCloudUnavailable, apperrors.ErrCodeFlowgenUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeCloudRateLimit:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeCloudTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeCloudAPIError, apperrors.ErrCodeFlowgenAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// defaultRemediation provides helpful remediation steps for common errors.
func defaultRemediation(code string, status int) []string {
	switch apperrors.ErrorCode(code) {
	case apperrors.ErrCodeCloudUnavailable:
		return []string{
			"Set the BROWSER_USE_API_KEY environment variable.",
			"Or set cloud.api_key in the config file.",
		}
	case apperrors.ErrCodeFlowgenUnavailable:
		return []string{
			"Set the OPENAI_API_KEY environment variable.",
			"Or set flowgen.api_key in the config file.",
		}
	case apperrors.ErrCodeCloudRateLimit:
		return []string{
			"Wait 30-60 seconds for the cloud rate limit to reset.",
			"Reduce concurrent browser sessions or upgrade your API plan.",
		}
	case apperrors.ErrCodeStorageRead, apperrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the data directory is writable and not full.",
			"Restart the daemon if the SQLite database was locked.",
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return []string{
			"Verify your API token or authentication headers.",
			"Retry after updating credentials.",
		}
	case http.StatusNotFound:
		return []string{
			"Verify the resource ID in the request URL.",
			"Refresh the run list and retry the action.",
		}
	case http.StatusTooManyRequests:
		return []string{
			"Slow down requests.",
			"Wait a few seconds for the rate limiter to reset.",
		}
	case http.StatusServiceUnavailable:
		return []string{
			"Ensure the daemon is still running in the background.",
			"Retry after any long-running operations complete.",
		}
	default:
		return []string{
			"Check the run's log files for details.",
			"Retry the action once the underlying issue is resolved.",
		}
	}
}

// requirePrincipal extracts the authenticated principal or rejects.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*requestPrincipal, bool) {
	p := principalFromContext(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return nil, false
	}
	return p, true
}

// Ownership guard. Authorization failures and missing records produce the
// same not-found rejection so callers cannot probe for foreign resources.

func (s *Server) requireRunAccess(w http.ResponseWriter, r *http.Request, runID string) (*storage.TestRun, *requestPrincipal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return nil, nil, false
	}
	run, err := s.store.GetTestRun(runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return nil, nil, false
	}
	if run == nil || run.Principal != principal.Name {
		respondError(w, http.StatusNotFound, stdliberrors.New("run not found"))
		return nil, nil, false
	}
	return run, principal, true
}

func (s *Server) requireFlowAccess(w http.ResponseWriter, r *http.Request, flowID string) (*storage.Flow, *requestPrincipal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return nil, nil, false
	}
	flow, err := s.store.GetFlow(flowID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return nil, nil, false
	}
	if flow == nil {
		respondError(w, http.StatusNotFound, stdliberrors.New("flow not found"))
		return nil, nil, false
	}
	run, err := s.store.GetTestRun(flow.RunID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return nil, nil, false
	}
	if run == nil || run.Principal != principal.Name {
		respondError(w, http.StatusNotFound, stdliberrors.New("flow not found"))
		return nil, nil, false
	}
	return flow, principal, true
}

func (s *Server) requireSessionAccess(w http.ResponseWriter, r *http.Request, sessionID string) (*storage.BrowserSession, *requestPrincipal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return nil, nil, false
	}
	session, err := s.store.GetBrowserSession(sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return nil, nil, false
	}
	if session == nil || session.Principal != principal.Name {
		respondError(w, http.StatusNotFound, stdliberrors.New("session not found"))
		return nil, nil, false
	}
	return session, principal, true
}
