package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Browser session status constants. The five right-hand states of the
// lifecycle (completed/failed/timeout/crashed/terminated) are terminal.
const (
	SessionStatusInitializing = "initializing"
	SessionStatusReady        = "ready"
	SessionStatusRunning      = "running"
	SessionStatusCompleted    = "completed"
	SessionStatusFailed       = "failed"
	SessionStatusTimeout      = "timeout"
	SessionStatusCrashed      = "crashed"
	SessionStatusTerminated   = "terminated"
)

// BrowserSession tracks a remote browser instance executing a flow.
type BrowserSession struct {
	ID             string         `json:"id"`
	FlowID         string         `json:"flowId"`
	RunID          string         `json:"runId"`
	Principal      string         `json:"principal"`
	TaskID         string         `json:"taskId"`
	Status         string         `json:"status"`
	CurrentURL     string         `json:"currentUrl,omitempty"`
	CurrentAction  string         `json:"currentAction,omitempty"`
	Progress       int            `json:"progress"`
	LiveURL        string         `json:"liveUrl,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	ViewportWidth  int            `json:"viewportWidth,omitempty"`
	ViewportHeight int            `json:"viewportHeight,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	LastActive     time.Time      `json:"lastActive"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// BrowserSessionSummary is a session enriched with parent names for list
// views.
type BrowserSessionSummary struct {
	BrowserSession
	FlowName string `json:"flowName"`
	RunName  string `json:"runName"`
}

// BrowserSessionUpdate is a partial patch; nil fields are left untouched.
// Metadata is merged into the existing map, not replaced.
type BrowserSessionUpdate struct {
	Status        *string
	CurrentURL    *string
	CurrentAction *string
	Progress      *int
	LiveURL       *string
	Metadata      map[string]any
}

// SessionStatusTerminal reports whether a browser session status is final.
func SessionStatusTerminal(status string) bool {
	switch status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTimeout,
		SessionStatusCrashed, SessionStatusTerminated:
		return true
	}
	return false
}

func validSessionStatus(status string) bool {
	switch status {
	case SessionStatusInitializing, SessionStatusReady, SessionStatusRunning,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusTimeout,
		SessionStatusCrashed, SessionStatusTerminated:
		return true
	}
	return false
}

const sessionColumns = `session_id, flow_id, run_id, principal, task_id, status,
	current_url, current_action, progress, live_url,
	user_agent, viewport_width, viewport_height, metadata,
	started_at, last_active, completed_at`

func scanBrowserSession(scan func(...any) error, extra ...any) (*BrowserSession, error) {
	var session BrowserSession
	var currentURL, currentAction, liveURL, userAgent sql.NullString
	var viewportW, viewportH sql.NullInt64
	var metadata sql.NullString
	var completedAt sql.NullTime

	dest := []any{
		&session.ID,
		&session.FlowID,
		&session.RunID,
		&session.Principal,
		&session.TaskID,
		&session.Status,
		&currentURL,
		&currentAction,
		&session.Progress,
		&liveURL,
		&userAgent,
		&viewportW,
		&viewportH,
		&metadata,
		&session.StartedAt,
		&session.LastActive,
		&completedAt,
	}
	dest = append(dest, extra...)

	if err := scan(dest...); err != nil {
		return nil, err
	}
	if currentURL.Valid {
		session.CurrentURL = currentURL.String
	}
	if currentAction.Valid {
		session.CurrentAction = currentAction.String
	}
	if liveURL.Valid {
		session.LiveURL = liveURL.String
	}
	if userAgent.Valid {
		session.UserAgent = userAgent.String
	}
	if viewportW.Valid {
		session.ViewportWidth = int(viewportW.Int64)
	}
	if viewportH.Valid {
		session.ViewportHeight = int(viewportH.Int64)
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	var err error
	if session.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateBrowserSession inserts a session tied to a flow and an external
// task id with initial status "initializing", and appends an informational
// session event recording creation.
func (s *Store) CreateBrowserSession(session *BrowserSession) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id required")
	}
	if strings.TrimSpace(session.FlowID) == "" {
		return fmt.Errorf("session flow id required")
	}
	if strings.TrimSpace(session.Principal) == "" {
		return fmt.Errorf("session principal required")
	}
	if strings.TrimSpace(session.TaskID) == "" {
		return fmt.Errorf("session task id required")
	}

	if session.Status == "" {
		session.Status = SessionStatusInitializing
	}
	if !validSessionStatus(session.Status) {
		return fmt.Errorf("invalid session status: %s", session.Status)
	}

	if strings.TrimSpace(session.RunID) == "" {
		// Denormalize run_id from the parent flow for query locality.
		var runID string
		err := s.db.QueryRow(`SELECT run_id FROM flows WHERE flow_id = ?`, session.FlowID).Scan(&runID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("flow %s not found", session.FlowID)
		}
		if err != nil {
			return err
		}
		session.RunID = runID
	}

	now := time.Now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	if session.LastActive.IsZero() {
		session.LastActive = session.StartedAt
	}

	metadataArg, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	var currentURL, currentAction, liveURL, userAgent any
	if session.CurrentURL != "" {
		currentURL = session.CurrentURL
	}
	if session.CurrentAction != "" {
		currentAction = session.CurrentAction
	}
	if session.LiveURL != "" {
		liveURL = session.LiveURL
	}
	if session.UserAgent != "" {
		userAgent = session.UserAgent
	}
	var viewportW, viewportH any
	if session.ViewportWidth > 0 {
		viewportW = session.ViewportWidth
	}
	if session.ViewportHeight > 0 {
		viewportH = session.ViewportHeight
	}

	err = retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO browser_sessions (session_id, flow_id, run_id, principal, task_id, status,
				current_url, current_action, progress, live_url,
				user_agent, viewport_width, viewport_height, metadata,
				started_at, last_active, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`,
			session.ID,
			session.FlowID,
			session.RunID,
			session.Principal,
			session.TaskID,
			session.Status,
			currentURL,
			currentAction,
			session.Progress,
			liveURL,
			userAgent,
			viewportW,
			viewportH,
			metadataArg,
			session.StartedAt,
			session.LastActive,
		)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.LogSessionEvent(&SessionEvent{
		SessionID: session.ID,
		FlowID:    session.FlowID,
		RunID:     session.RunID,
		EventType: "session_started",
		Level:     EventLevelInfo,
		Message:   fmt.Sprintf("browser session created for task %s", session.TaskID),
		Data: map[string]any{
			"taskId": session.TaskID,
			"status": session.Status,
		},
	}); err != nil {
		return fmt.Errorf("log session creation: %w", err)
	}

	clone := *session
	s.notify(newEvent(EventSessionCreated, session.RunID, session.ID, clone))
	return nil
}

// GetBrowserSession retrieves a session by internal ID. Returns nil when
// not found.
func (s *Store) GetBrowserSession(sessionID string) (*BrowserSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM browser_sessions WHERE session_id = ?`, sessionID)
	session, err := scanBrowserSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetBrowserSessionByTask retrieves a session by its external task ID.
func (s *Store) GetBrowserSessionByTask(taskID string) (*BrowserSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM browser_sessions WHERE task_id = ?`, taskID)
	session, err := scanBrowserSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListBrowserSessionsByPrincipal returns sessions owned by a principal,
// newest first, enriched with parent flow and run names.
func (s *Store) ListBrowserSessionsByPrincipal(principal string, limit int) ([]BrowserSessionSummary, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return []BrowserSessionSummary{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + qualifiedSessionColumns + `, COALESCE(f.name, ''), COALESCE(r.name, '')
		FROM browser_sessions bs
		LEFT JOIN flows f ON f.flow_id = bs.flow_id
		LEFT JOIN test_runs r ON r.run_id = bs.run_id
		WHERE bs.principal = ?
		ORDER BY bs.started_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, principal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []BrowserSessionSummary{}
	for rows.Next() {
		var flowName, runName string
		session, err := scanBrowserSession(rows.Scan, &flowName, &runName)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, BrowserSessionSummary{
			BrowserSession: *session,
			FlowName:       flowName,
			RunName:        runName,
		})
	}
	return sessions, rows.Err()
}

const qualifiedSessionColumns = `bs.session_id, bs.flow_id, bs.run_id, bs.principal, bs.task_id, bs.status,
	bs.current_url, bs.current_action, bs.progress, bs.live_url,
	bs.user_agent, bs.viewport_width, bs.viewport_height, bs.metadata,
	bs.started_at, bs.last_active, bs.completed_at`

// UpdateBrowserSession applies a partial patch. Metadata is merged into the
// stored map. Transitions into a terminal status stamp completed_at, and
// every status change appends an informational session event. Writes
// against a session already in a terminal status fail with
// ErrSessionTerminal.
func (s *Store) UpdateBrowserSession(sessionID string, update BrowserSessionUpdate) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id required")
	}

	if update.Status != nil && !validSessionStatus(*update.Status) {
		return fmt.Errorf("invalid session status: %s", *update.Status)
	}

	now := time.Now()
	var runID, newStatus string
	var progress int
	statusChanged := false

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var flowID, oldStatus string
		var rawMetadata sql.NullString
		err = tx.QueryRow(`SELECT flow_id, run_id, status, progress, metadata FROM browser_sessions WHERE session_id = ?`, sessionID).
			Scan(&flowID, &runID, &oldStatus, &progress, &rawMetadata)
		if err == sql.ErrNoRows {
			return fmt.Errorf("browser session %s not found", sessionID)
		}
		if err != nil {
			return err
		}

		if SessionStatusTerminal(oldStatus) {
			return ErrSessionTerminal
		}

		sets := []string{"last_active = ?"}
		args := []any{now}

		statusChanged = false
		newStatus = oldStatus
		if update.Status != nil && *update.Status != oldStatus {
			statusChanged = true
			newStatus = *update.Status
			sets = append(sets, "status = ?")
			args = append(args, newStatus)
			if SessionStatusTerminal(newStatus) {
				sets = append(sets, "completed_at = ?")
				args = append(args, now)
			}
		}
		if update.CurrentURL != nil {
			sets = append(sets, "current_url = ?")
			args = append(args, *update.CurrentURL)
		}
		if update.CurrentAction != nil {
			sets = append(sets, "current_action = ?")
			args = append(args, *update.CurrentAction)
		}
		if update.Progress != nil {
			progress = *update.Progress
			sets = append(sets, "progress = ?")
			args = append(args, progress)
		}
		if update.LiveURL != nil {
			sets = append(sets, "live_url = ?")
			args = append(args, *update.LiveURL)
		}
		if len(update.Metadata) > 0 {
			existing, err := unmarshalMetadata(rawMetadata)
			if err != nil {
				return err
			}
			if existing == nil {
				existing = make(map[string]any, len(update.Metadata))
			}
			for k, v := range update.Metadata {
				existing[k] = v
			}
			merged, err := json.Marshal(existing)
			if err != nil {
				return fmt.Errorf("marshal merged metadata: %w", err)
			}
			sets = append(sets, "metadata = ?")
			args = append(args, string(merged))
		}

		args = append(args, sessionID)
		if _, err := tx.Exec(`UPDATE browser_sessions SET `+strings.Join(sets, ", ")+` WHERE session_id = ?`, args...); err != nil {
			return err
		}

		if statusChanged {
			if err := logSessionEventTx(tx, &SessionEvent{
				SessionID: sessionID,
				FlowID:    flowID,
				RunID:     runID,
				EventType: "status_change",
				Level:     EventLevelInfo,
				Message:   fmt.Sprintf("session status changed from %s to %s", oldStatus, newStatus),
				Data: map[string]any{
					"oldStatus": oldStatus,
					"newStatus": newStatus,
					"progress":  progress,
				},
			}); err != nil {
				return fmt.Errorf("log status change: %w", err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	payload := map[string]any{"lastActive": now}
	if statusChanged {
		payload["status"] = newStatus
	}
	if update.Progress != nil {
		payload["progress"] = progress
	}
	s.notify(newEvent(EventSessionUpdated, runID, sessionID, payload))
	return nil
}

// DeleteBrowserSession records a deletion audit row and then deletes the
// session with its events and steps, all in one transaction. The audit row
// is written before the cascade so it survives the delete.
func (s *Store) DeleteBrowserSession(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id required")
	}

	var runID, taskID string
	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var flowID, principal, status string
		err = tx.QueryRow(`SELECT flow_id, run_id, principal, task_id, status FROM browser_sessions WHERE session_id = ?`, sessionID).
			Scan(&flowID, &runID, &principal, &taskID, &status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("browser session %s not found", sessionID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO session_audit (session_id, task_id, flow_id, run_id, principal, final_status, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sessionID, taskID, flowID, runID, principal, status, time.Now()); err != nil {
			return fmt.Errorf("write session audit: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM execution_steps WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session steps: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session events: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM browser_sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventSessionDeleted, runID, sessionID, map[string]any{
		"taskId": taskID,
	}))
	return nil
}

// SessionAuditEntry records a deleted browser session.
type SessionAuditEntry struct {
	AuditID     int64     `json:"auditId"`
	SessionID   string    `json:"sessionId"`
	TaskID      string    `json:"taskId"`
	FlowID      string    `json:"flowId"`
	RunID       string    `json:"runId"`
	Principal   string    `json:"principal"`
	FinalStatus string    `json:"finalStatus"`
	DeletedAt   time.Time `json:"deletedAt"`
}

// ListSessionAudit returns deletion audit entries for a task id.
func (s *Store) ListSessionAudit(taskID string) ([]SessionAuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT audit_id, session_id, task_id, flow_id, run_id, principal, final_status, deleted_at
		FROM session_audit WHERE task_id = ? ORDER BY deleted_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []SessionAuditEntry{}
	for rows.Next() {
		var e SessionAuditEntry
		if err := rows.Scan(&e.AuditID, &e.SessionID, &e.TaskID, &e.FlowID, &e.RunID, &e.Principal, &e.FinalStatus, &e.DeletedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
