package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Execution step status constants.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// ExecutionStep is a discrete action within a browser session's execution.
type ExecutionStep struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	StepNumber  int            `json:"stepNumber"`
	Action      string         `json:"action,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  *int64         `json:"durationMs,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Retryable   bool           `json:"retryable"`
}

func validStepStatus(status string) bool {
	switch status {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// ReplaceExecutionSteps swaps a session's step list for the given one in a
// single transaction. The cloud poller calls this on every status fetch, so
// the operation is idempotent for identical input.
func (s *Store) ReplaceExecutionSteps(sessionID string, steps []*ExecutionStep) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id required")
	}

	for i, step := range steps {
		if step.ID == "" {
			step.ID = ulid.Make().String()
		}
		step.SessionID = sessionID
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if !validStepStatus(step.Status) {
			return fmt.Errorf("step %d: invalid status %s", i, step.Status)
		}
	}

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM execution_steps WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear steps: %w", err)
		}

		for _, step := range steps {
			var startedAt, completedAt, duration, result, stepErr any
			if step.StartedAt != nil {
				startedAt = *step.StartedAt
			}
			if step.CompletedAt != nil {
				completedAt = *step.CompletedAt
			}
			if step.DurationMs != nil {
				duration = *step.DurationMs
			}
			if len(step.Result) > 0 {
				data, err := json.Marshal(step.Result)
				if err != nil {
					return fmt.Errorf("marshal step result: %w", err)
				}
				result = string(data)
			}
			if step.Error != "" {
				stepErr = step.Error
			}

			if _, err := tx.Exec(`
				INSERT INTO execution_steps (step_id, session_id, step_number, action, description, status,
					started_at, completed_at, duration_ms, result, error, retryable)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				step.ID,
				step.SessionID,
				step.StepNumber,
				step.Action,
				step.Description,
				step.Status,
				startedAt,
				completedAt,
				duration,
				result,
				stepErr,
				step.Retryable,
			); err != nil {
				return fmt.Errorf("insert step %d: %w", step.StepNumber, err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventStepsReplaced, "", sessionID, map[string]any{
		"count": len(steps),
	}))
	return nil
}

// ListExecutionSteps returns a session's steps ordered by step number.
func (s *Store) ListExecutionSteps(sessionID string) ([]ExecutionStep, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return []ExecutionStep{}, nil
	}

	rows, err := s.db.Query(`
		SELECT step_id, session_id, step_number, action, description, status,
			started_at, completed_at, duration_ms, result, error, retryable
		FROM execution_steps WHERE session_id = ?
		ORDER BY step_number ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []ExecutionStep{}
	for rows.Next() {
		var step ExecutionStep
		var startedAt, completedAt sql.NullTime
		var duration sql.NullInt64
		var result, stepErr sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.SessionID,
			&step.StepNumber,
			&step.Action,
			&step.Description,
			&step.Status,
			&startedAt,
			&completedAt,
			&duration,
			&result,
			&stepErr,
			&step.Retryable,
		); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if duration.Valid {
			step.DurationMs = &duration.Int64
		}
		if result.Valid && strings.TrimSpace(result.String) != "" {
			if err := json.Unmarshal([]byte(result.String), &step.Result); err != nil {
				return nil, fmt.Errorf("unmarshal step result: %w", err)
			}
		}
		if stepErr.Valid {
			step.Error = stepErr.String
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
