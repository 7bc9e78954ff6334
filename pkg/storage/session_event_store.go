package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session event severity levels.
const (
	EventLevelDebug = "debug"
	EventLevelInfo  = "info"
	EventLevelWarn  = "warn"
	EventLevelError = "error"
)

// SessionEvent is an immutable log entry describing an occurrence within a
// browser session. Events are append-only: there is no update or delete
// path.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	FlowID    string         `json:"flowId"`
	RunID     string         `json:"runId"`
	EventType string         `json:"eventType"`
	Level     string         `json:"level"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func validEventLevel(level string) bool {
	switch level {
	case EventLevelDebug, EventLevelInfo, EventLevelWarn, EventLevelError:
		return true
	}
	return false
}

type sqlExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func logSessionEvent(execer sqlExecer, event *SessionEvent) error {
	if strings.TrimSpace(event.SessionID) == "" {
		return fmt.Errorf("event session id required")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return fmt.Errorf("event type required")
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if !validEventLevel(event.Level) {
		return fmt.Errorf("invalid event level: %s", event.Level)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var dataArg any
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataArg = string(data)
	}

	_, err := execer.Exec(`
		INSERT INTO session_events (event_id, session_id, flow_id, run_id, event_type, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.SessionID,
		event.FlowID,
		event.RunID,
		event.EventType,
		event.Level,
		event.Message,
		dataArg,
		event.CreatedAt,
	)
	return err
}

func logSessionEventTx(tx *sql.Tx, event *SessionEvent) error {
	return logSessionEvent(tx, event)
}

// LogSessionEvent appends a session event. An ID is assigned when the
// caller does not supply one.
func (s *Store) LogSessionEvent(event *SessionEvent) error {
	if err := retryBusy(func() error { return logSessionEvent(s.db, event) }); err != nil {
		return err
	}

	clone := *event
	s.notify(newEvent(EventSessionEventLogged, event.RunID, event.ID, clone))
	return nil
}

func scanSessionEvents(rows *sql.Rows) ([]SessionEvent, error) {
	events := []SessionEvent{}
	for rows.Next() {
		var event SessionEvent
		var data sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.FlowID,
			&event.RunID,
			&event.EventType,
			&event.Level,
			&event.Message,
			&data,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if data.Valid && strings.TrimSpace(data.String) != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListSessionEvents returns a session's events oldest first.
func (s *Store) ListSessionEvents(sessionID string, limit int) ([]SessionEvent, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return []SessionEvent{}, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT event_id, session_id, flow_id, run_id, event_type, level, message, data, created_at
		FROM session_events WHERE session_id = ?
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessionEvents(rows)
}

// ListSessionEventsByRun returns all events under a run oldest first.
func (s *Store) ListSessionEventsByRun(runID string, limit int) ([]SessionEvent, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return []SessionEvent{}, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT event_id, session_id, flow_id, run_id, event_type, level, message, data, created_at
		FROM session_events WHERE run_id = ?
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessionEvents(rows)
}
