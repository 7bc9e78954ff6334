package cloud

import (
	"fmt"
	"time"
)

// Cloud task statuses reported by the Browser Use API.
const (
	TaskStatusStarted  = "started"
	TaskStatusRunning  = "running"
	TaskStatusFinished = "finished"
	TaskStatusFailed   = "failed"
	TaskStatusStopped  = "stopped"
)

// TerminalStatus reports whether a cloud task status is final.
func TerminalStatus(status string) bool {
	switch status {
	case TaskStatusFinished, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

// TaskResponse is the result of creating a browser task.
// The API returns a single id which doubles as the session identifier.
type TaskResponse struct {
	TaskID    string  `json:"task_id"`
	SessionID string  `json:"session_id"`
	LiveURL   *string `json:"live_url"`
	Status    string  `json:"status"`
}

// TaskStep is one automation step recorded for a running task.
type TaskStep struct {
	Number        int      `json:"step"`
	Goal          string   `json:"next_goal"`
	Evaluation    string   `json:"evaluation_previous_goal"`
	URL           string   `json:"url"`
	ScreenshotURL string   `json:"screenshot_url,omitempty"`
	Actions       []string `json:"actions,omitempty"`
}

// TaskDetail is the full task record returned by GET task/{id}.
type TaskDetail struct {
	TaskID     string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	IsSuccess  *bool      `json:"is_success"`
	LiveURL    *string    `json:"live_url"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Output     string     `json:"output"`
	Steps      []TaskStep `json:"steps"`
}

// ParallelResponse groups the tasks created by a single fan-out call.
type ParallelResponse struct {
	BatchID    string          `json:"batch_id"`
	Tasks      []*TaskResponse `json:"tasks"`
	TotalTasks int             `json:"total_tasks"`
}

// WatchUpdateType discriminates the payload of a WatchUpdate.
type WatchUpdateType string

const (
	WatchStep       WatchUpdateType = "step"
	WatchStatus     WatchUpdateType = "status"
	WatchCompletion WatchUpdateType = "completion"
	WatchError      WatchUpdateType = "error"
)

// WatchUpdate is one item streamed by Watch while a task runs.
type WatchUpdate struct {
	Type       WatchUpdateType `json:"type"`
	TaskID     string          `json:"task_id"`
	Step       *TaskStep       `json:"step,omitempty"`
	Status     string          `json:"status,omitempty"`
	LiveURL    *string         `json:"live_url,omitempty"`
	StepsCount int             `json:"steps_count,omitempty"`
	Output     string          `json:"output,omitempty"`
	Err        error           `json:"-"`
	Timestamp  time.Time       `json:"timestamp"`
}

// apiErrorResponse is the error envelope some API responses carry.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
	Detail string `json:"detail"`
}

// APIError represents an error returned by the Browser Use Cloud API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("browser cloud API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("browser cloud API error %d: %s", e.StatusCode, e.Message)
}
