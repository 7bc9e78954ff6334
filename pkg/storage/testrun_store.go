package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Test run status constants.
const (
	RunStatusGenerating = "generating"
	RunStatusPending    = "pending"
	RunStatusRunning    = "running"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// TestRun is the top-level unit of work generated from a user prompt.
type TestRun struct {
	ID             string         `json:"id"`
	Principal      string         `json:"principal"`
	Name           string         `json:"name"`
	Prompt         string         `json:"prompt"`
	Status         string         `json:"status"`
	TotalFlows     int            `json:"totalFlows"`
	CompletedFlows int            `json:"completedFlows"`
	FailedFlows    int            `json:"failedFlows"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RunStatusTerminal reports whether a test run status is final.
func RunStatusTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

func validRunStatus(status string) bool {
	switch status {
	case RunStatusGenerating, RunStatusPending, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// marshalMetadata encodes a metadata map for storage, NULL when empty.
func marshalMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// CreateTestRun inserts a new test run with retry logic for database locks.
func (s *Store) CreateTestRun(run *TestRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id required")
	}
	if strings.TrimSpace(run.Principal) == "" {
		return fmt.Errorf("run principal required")
	}

	status := strings.TrimSpace(strings.ToLower(run.Status))
	if status == "" {
		status = RunStatusGenerating
	}
	if !validRunStatus(status) {
		return fmt.Errorf("invalid run status: %s", status)
	}

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	metadataArg, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO test_runs (run_id, principal, name, prompt, status, total_flows, completed_flows, failed_flows, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = retryBusy(func() error {
		_, err := s.db.Exec(query,
			run.ID,
			run.Principal,
			run.Name,
			run.Prompt,
			status,
			run.TotalFlows,
			run.CompletedFlows,
			run.FailedFlows,
			metadataArg,
			run.CreatedAt,
			run.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return err
	}

	run.Status = status
	clone := *run
	s.notify(newEvent(EventRunCreated, run.ID, run.ID, clone))
	return nil
}

// GetTestRun retrieves a test run by ID. Returns nil when not found.
func (s *Store) GetTestRun(runID string) (*TestRun, error) {
	query := `
		SELECT run_id, principal, name, prompt, status, total_flows, completed_flows, failed_flows, metadata, created_at, updated_at
		FROM test_runs WHERE run_id = ?
	`
	var run TestRun
	var metadata sql.NullString
	err := s.db.QueryRow(query, runID).Scan(
		&run.ID,
		&run.Principal,
		&run.Name,
		&run.Prompt,
		&run.Status,
		&run.TotalFlows,
		&run.CompletedFlows,
		&run.FailedFlows,
		&metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTestRuns returns runs owned by a principal, newest first.
func (s *Store) ListTestRuns(principal string, limit int) ([]TestRun, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return []TestRun{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, principal, name, prompt, status, total_flows, completed_flows, failed_flows, metadata, created_at, updated_at
		FROM test_runs
		WHERE principal = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, principal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []TestRun{}
	for rows.Next() {
		var run TestRun
		var metadata sql.NullString
		if err := rows.Scan(
			&run.ID,
			&run.Principal,
			&run.Name,
			&run.Prompt,
			&run.Status,
			&run.TotalFlows,
			&run.CompletedFlows,
			&run.FailedFlows,
			&metadata,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if run.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetTestRunStatus updates a run's status. Once a run reaches a terminal
// status (completed/failed/cancelled) further status writes are rejected.
func (s *Store) SetTestRunStatus(runID, status string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}

	status = strings.TrimSpace(strings.ToLower(status))
	if !validRunStatus(status) {
		return fmt.Errorf("invalid run status: %s", status)
	}

	now := time.Now()
	var res sql.Result
	err := retryBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE test_runs SET status = ?, updated_at = ?
			WHERE run_id = ? AND status NOT IN (?, ?, ?)
		`, status, now, runID, RunStatusCompleted, RunStatusFailed, RunStatusCancelled)
		return err
	})
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, getErr := s.GetTestRun(runID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("test run %s not found", runID)
		}
		return fmt.Errorf("test run %s already %s", runID, existing.Status)
	}

	s.notify(newEvent(EventRunUpdated, runID, runID, map[string]any{
		"status":    status,
		"updatedAt": now,
	}))
	return nil
}

// AdjustFlowCounters applies deltas to a run's flow counters atomically.
// Counters never go below zero; the floor is applied in SQL so concurrent
// adjustments cannot observe intermediate values.
func (s *Store) AdjustFlowCounters(runID string, totalDelta, completedDelta, failedDelta int) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}

	now := time.Now()
	var res sql.Result
	err := retryBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE test_runs
			SET total_flows = MAX(total_flows + ?, 0),
			    completed_flows = MAX(completed_flows + ?, 0),
			    failed_flows = MAX(failed_flows + ?, 0),
			    updated_at = ?
			WHERE run_id = ?
		`, totalDelta, completedDelta, failedDelta, now, runID)
		return err
	})
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("test run %s not found", runID)
	}

	s.notify(newEvent(EventRunUpdated, runID, runID, map[string]any{
		"totalDelta":     totalDelta,
		"completedDelta": completedDelta,
		"failedDelta":    failedDelta,
	}))
	return nil
}

// DeleteTestRun deletes a run and everything under it in one transaction.
func (s *Store) DeleteTestRun(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM execution_steps WHERE session_id IN (SELECT session_id FROM browser_sessions WHERE run_id = ?)`, runID); err != nil {
			return fmt.Errorf("delete run steps: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM session_events WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run events: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM browser_sessions WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run sessions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM flows WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run flows: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM test_runs WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventRunDeleted, runID, runID, nil))
	return nil
}
