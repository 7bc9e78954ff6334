package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Flow status constants.
const (
	FlowStatusPending   = "pending"
	FlowStatusApproved  = "approved"
	FlowStatusRunning   = "running"
	FlowStatusCompleted = "completed"
	FlowStatusFailed    = "failed"
	FlowStatusCancelled = "cancelled"
)

// Flow is a single test scenario belonging to a test run.
type Flow struct {
	ID                  string     `json:"id"`
	RunID               string     `json:"runId"`
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	Instructions        string     `json:"instructions,omitempty"`
	Status              string     `json:"status"`
	Position            int        `json:"position"`
	SuccessCriteria     string     `json:"successCriteria,omitempty"`
	Difficulty          string     `json:"difficulty,omitempty"`
	Category            string     `json:"category,omitempty"`
	TargetURL           string     `json:"targetUrl,omitempty"`
	EstimatedDurationMs *int64     `json:"estimatedDurationMs,omitempty"`
	ActualDurationMs    *int64     `json:"actualDurationMs,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// FlowStats aggregates per-run flow counts and durations. Recomputed per
// query, never cached.
type FlowStats struct {
	Total               int   `json:"total"`
	Pending             int   `json:"pending"`
	Approved            int   `json:"approved"`
	Running             int   `json:"running"`
	Completed           int   `json:"completed"`
	Failed              int   `json:"failed"`
	Cancelled           int   `json:"cancelled"`
	EstimatedDurationMs int64 `json:"estimatedDurationMs"`
	ActualDurationMs    int64 `json:"actualDurationMs"`
}

// FlowOrder names a flow's new position for ReorderFlows.
type FlowOrder struct {
	FlowID   string `json:"flowId"`
	Position int    `json:"position"`
}

func validFlowStatus(status string) bool {
	switch status {
	case FlowStatusPending, FlowStatusApproved, FlowStatusRunning,
		FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled:
		return true
	}
	return false
}

const flowColumns = `flow_id, run_id, name, description, instructions, status, position,
	success_criteria, difficulty, category, target_url,
	estimated_duration_ms, actual_duration_ms, started_at, completed_at, created_at`

func scanFlow(scan func(...any) error) (*Flow, error) {
	var flow Flow
	var successCriteria, difficulty, category, targetURL sql.NullString
	var estimated, actual sql.NullInt64
	var startedAt, completedAt sql.NullTime
	if err := scan(
		&flow.ID,
		&flow.RunID,
		&flow.Name,
		&flow.Description,
		&flow.Instructions,
		&flow.Status,
		&flow.Position,
		&successCriteria,
		&difficulty,
		&category,
		&targetURL,
		&estimated,
		&actual,
		&startedAt,
		&completedAt,
		&flow.CreatedAt,
	); err != nil {
		return nil, err
	}
	if successCriteria.Valid {
		flow.SuccessCriteria = successCriteria.String
	}
	if difficulty.Valid {
		flow.Difficulty = difficulty.String
	}
	if category.Valid {
		flow.Category = category.String
	}
	if targetURL.Valid {
		flow.TargetURL = targetURL.String
	}
	if estimated.Valid {
		flow.EstimatedDurationMs = &estimated.Int64
	}
	if actual.Valid {
		flow.ActualDurationMs = &actual.Int64
	}
	if startedAt.Valid {
		flow.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		flow.CompletedAt = &completedAt.Time
	}
	return &flow, nil
}

func insertFlow(tx *sql.Tx, flow *Flow) error {
	var successCriteria, difficulty, category, targetURL any
	if flow.SuccessCriteria != "" {
		successCriteria = flow.SuccessCriteria
	}
	if flow.Difficulty != "" {
		difficulty = flow.Difficulty
	}
	if flow.Category != "" {
		category = flow.Category
	}
	if flow.TargetURL != "" {
		targetURL = flow.TargetURL
	}
	var estimated, actual any
	if flow.EstimatedDurationMs != nil {
		estimated = *flow.EstimatedDurationMs
	}
	if flow.ActualDurationMs != nil {
		actual = *flow.ActualDurationMs
	}
	var startedAt, completedAt any
	if flow.StartedAt != nil {
		startedAt = *flow.StartedAt
	}
	if flow.CompletedAt != nil {
		completedAt = *flow.CompletedAt
	}

	_, err := tx.Exec(`
		INSERT INTO flows (flow_id, run_id, name, description, instructions, status, position,
			success_criteria, difficulty, category, target_url,
			estimated_duration_ms, actual_duration_ms, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		flow.ID,
		flow.RunID,
		flow.Name,
		flow.Description,
		flow.Instructions,
		flow.Status,
		flow.Position,
		successCriteria,
		difficulty,
		category,
		targetURL,
		estimated,
		actual,
		startedAt,
		completedAt,
		flow.CreatedAt,
	)
	return err
}

// CreateFlow inserts a single flow and bumps the parent run's total_flows
// counter in the same transaction.
func (s *Store) CreateFlow(flow *Flow) error {
	if strings.TrimSpace(flow.ID) == "" {
		return fmt.Errorf("flow id required")
	}
	if strings.TrimSpace(flow.RunID) == "" {
		return fmt.Errorf("flow run id required")
	}

	status := strings.TrimSpace(strings.ToLower(flow.Status))
	if status == "" {
		status = FlowStatusPending
	}
	if !validFlowStatus(status) {
		return fmt.Errorf("invalid flow status: %s", status)
	}
	flow.Status = status

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now()
	}

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if flow.Position == 0 {
			var maxPos sql.NullInt64
			if err := tx.QueryRow(`SELECT MAX(position) FROM flows WHERE run_id = ?`, flow.RunID).Scan(&maxPos); err != nil {
				return err
			}
			flow.Position = int(maxPos.Int64) + 1
		}

		if err := insertFlow(tx, flow); err != nil {
			return err
		}

		res, err := tx.Exec(`UPDATE test_runs SET total_flows = MAX(total_flows + 1, 0), updated_at = ? WHERE run_id = ?`, time.Now(), flow.RunID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("test run %s not found", flow.RunID)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	clone := *flow
	s.notify(newEvent(EventFlowCreated, flow.RunID, flow.ID, clone))
	return nil
}

// CreateFlowBatch inserts flows under a run in one transaction, assigning
// sequential positions starting at 1 and incrementing the run's total_flows
// by the batch size atomically with the inserts.
func (s *Store) CreateFlowBatch(runID string, flows []*Flow) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	if len(flows) == 0 {
		return nil
	}

	now := time.Now()
	for i, flow := range flows {
		if strings.TrimSpace(flow.ID) == "" {
			return fmt.Errorf("flow %d: id required", i)
		}
		flow.RunID = runID
		flow.Position = i + 1
		status := strings.TrimSpace(strings.ToLower(flow.Status))
		if status == "" {
			status = FlowStatusPending
		}
		if !validFlowStatus(status) {
			return fmt.Errorf("flow %d: invalid status %s", i, status)
		}
		flow.Status = status
		if flow.CreatedAt.IsZero() {
			flow.CreatedAt = now
		}
	}

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, flow := range flows {
			if err := insertFlow(tx, flow); err != nil {
				return fmt.Errorf("insert flow %s: %w", flow.ID, err)
			}
		}

		res, err := tx.Exec(`UPDATE test_runs SET total_flows = MAX(total_flows + ?, 0), updated_at = ? WHERE run_id = ?`, len(flows), now, runID)
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

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	for _, flow := range flows {
		clone := *flow
		s.notify(newEvent(EventFlowCreated, runID, flow.ID, clone))
	}
	return nil
}

// GetFlow retrieves a flow by ID. Returns nil when not found.
func (s *Store) GetFlow(flowID string) (*Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE flow_id = ?`, flowID)
	flow, err := scanFlow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return flow, nil
}

// ListFlowsByRun returns a run's flows ordered ascending by position,
// optionally filtered by status.
func (s *Store) ListFlowsByRun(runID, status string) ([]Flow, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return []Flow{}, nil
	}

	query := `SELECT ` + flowColumns + ` FROM flows WHERE run_id = ?`
	args := []any{runID}
	if status = strings.TrimSpace(strings.ToLower(status)); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY position ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flows := []Flow{}
	for rows.Next() {
		flow, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// UpdateFlowStatus patches a flow's status and optional timing fields. It
// has no side effects on the parent run's counters; those belong to
// MarkFlowCompleted and MarkFlowFailed.
func (s *Store) UpdateFlowStatus(flowID, status string, startedAt, completedAt *time.Time, actualDurationMs *int64) error {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}

	status = strings.TrimSpace(strings.ToLower(status))
	if !validFlowStatus(status) {
		return fmt.Errorf("invalid flow status: %s", status)
	}

	sets := []string{"status = ?"}
	args := []any{status}
	if startedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *startedAt)
	}
	if completedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *completedAt)
	}
	if actualDurationMs != nil {
		sets = append(sets, "actual_duration_ms = ?")
		args = append(args, *actualDurationMs)
	}
	args = append(args, flowID)

	var runID string
	err := s.db.QueryRow(`SELECT run_id FROM flows WHERE flow_id = ?`, flowID).Scan(&runID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("flow %s not found", flowID)
	}
	if err != nil {
		return err
	}

	err = retryBusy(func() error {
		_, err := s.db.Exec(`UPDATE flows SET `+strings.Join(sets, ", ")+` WHERE flow_id = ?`, args...)
		return err
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventFlowUpdated, runID, flowID, map[string]any{
		"status": status,
	}))
	return nil
}

// MarkFlowCompleted stamps completion timing, sets status to completed, and
// bumps the parent run's completed counter. This and MarkFlowFailed are the
// only paths that couple flow completion to timing capture.
func (s *Store) MarkFlowCompleted(flowID string) error {
	return s.finishFlow(flowID, FlowStatusCompleted)
}

// MarkFlowFailed stamps completion timing, sets status to failed, and bumps
// the parent run's failed counter.
func (s *Store) MarkFlowFailed(flowID string) error {
	return s.finishFlow(flowID, FlowStatusFailed)
}

func (s *Store) finishFlow(flowID, status string) error {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}

	var runID string
	now := time.Now()
	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var startedAt sql.NullTime
		err = tx.QueryRow(`SELECT run_id, started_at FROM flows WHERE flow_id = ?`, flowID).Scan(&runID, &startedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("flow %s not found", flowID)
		}
		if err != nil {
			return err
		}

		var durationArg any
		if startedAt.Valid {
			durationArg = now.Sub(startedAt.Time).Milliseconds()
		}

		if _, err := tx.Exec(`UPDATE flows SET status = ?, completed_at = ?, actual_duration_ms = ? WHERE flow_id = ?`,
			status, now, durationArg, flowID); err != nil {
			return err
		}

		counterCol := "completed_flows"
		if status == FlowStatusFailed {
			counterCol = "failed_flows"
		}
		if _, err := tx.Exec(`UPDATE test_runs SET `+counterCol+` = MAX(`+counterCol+` + 1, 0), updated_at = ? WHERE run_id = ?`, now, runID); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventFlowUpdated, runID, flowID, map[string]any{
		"status":      status,
		"completedAt": now,
	}))
	return nil
}

// ApproveFlows force-sets the named flows of a run to approved regardless
// of their prior status. Ids that are unknown or belong to another run are
// ignored; returns the number updated.
func (s *Store) ApproveFlows(runID string, flowIDs []string) (int, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, fmt.Errorf("run id required")
	}
	if len(flowIDs) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(flowIDs))
	idArgs := make([]any, 0, len(flowIDs)+1)
	idArgs = append(idArgs, runID)
	for i, id := range flowIDs {
		placeholders[i] = "?"
		idArgs = append(idArgs, id)
	}
	inClause := strings.Join(placeholders, ",")

	var approved []string
	err := retryBusy(func() error {
		approved = approved[:0]

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.Query(`SELECT flow_id FROM flows WHERE run_id = ? AND flow_id IN (`+inClause+`)`, idArgs...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			approved = append(approved, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(approved) == 0 {
			return tx.Commit()
		}

		updateArgs := append([]any{FlowStatusApproved, runID}, idArgs[1:]...)
		if _, err := tx.Exec(`UPDATE flows SET status = ? WHERE run_id = ? AND flow_id IN (`+inClause+`)`, updateArgs...); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	for _, id := range approved {
		s.notify(newEvent(EventFlowUpdated, runID, id, map[string]any{
			"status": FlowStatusApproved,
		}))
	}
	return len(approved), nil
}

// RemoveFlow deletes a flow and everything under it (sessions, events,
// steps) in one transaction, then decrements the parent run's total_flows
// with a floor of zero.
func (s *Store) RemoveFlow(flowID string) error {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}

	var runID string
	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		err = tx.QueryRow(`SELECT run_id FROM flows WHERE flow_id = ?`, flowID).Scan(&runID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("flow %s not found", flowID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM execution_steps WHERE session_id IN (SELECT session_id FROM browser_sessions WHERE flow_id = ?)`, flowID); err != nil {
			return fmt.Errorf("delete flow steps: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM session_events WHERE flow_id = ?`, flowID); err != nil {
			return fmt.Errorf("delete flow events: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM browser_sessions WHERE flow_id = ?`, flowID); err != nil {
			return fmt.Errorf("delete flow sessions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM flows WHERE flow_id = ?`, flowID); err != nil {
			return fmt.Errorf("delete flow: %w", err)
		}
		if _, err := tx.Exec(`UPDATE test_runs SET total_flows = MAX(total_flows - 1, 0), updated_at = ? WHERE run_id = ?`, time.Now(), runID); err != nil {
			return fmt.Errorf("decrement run counter: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventFlowDeleted, runID, flowID, nil))
	return nil
}

// ReorderFlows applies (flowID, position) pairs, validating each flow
// belongs to the named run. Mismatched flows are silently skipped.
func (s *Store) ReorderFlows(runID string, orders []FlowOrder) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	if len(orders) == 0 {
		return nil
	}

	err := retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, order := range orders {
			if _, err := tx.Exec(`UPDATE flows SET position = ? WHERE flow_id = ? AND run_id = ?`,
				order.Position, order.FlowID, runID); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.notify(newEvent(EventFlowUpdated, runID, "", map[string]any{
		"reordered": len(orders),
	}))
	return nil
}

// GetFlowStats aggregates per-status counts and summed durations for a run.
// Durations sum only over flows that define them.
func (s *Store) GetFlowStats(runID string) (*FlowStats, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}

	stats := &FlowStats{}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM flows WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case FlowStatusPending:
			stats.Pending = count
		case FlowStatusApproved:
			stats.Approved = count
		case FlowStatusRunning:
			stats.Running = count
		case FlowStatusCompleted:
			stats.Completed = count
		case FlowStatusFailed:
			stats.Failed = count
		case FlowStatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(estimated_duration_ms), 0), COALESCE(SUM(actual_duration_ms), 0)
		FROM flows WHERE run_id = ?
	`, runID).Scan(&stats.EstimatedDurationMs, &stats.ActualDurationMs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
