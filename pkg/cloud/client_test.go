package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	tperrors "github.com/odvcencio/testpilot/pkg/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClientWithOptions("test-key", server.URL, ClientOptions{
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		RetryConfig: &RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2.0,
		},
	})
	return client, server
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("key", "")
	if client.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", client.baseURL, defaultBaseURL)
	}
	if client.pollInterval != defaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", client.pollInterval, defaultPollInterval)
	}

	trimmed := NewClient("key", "https://example.com/v1/")
	if trimmed.baseURL != "https://example.com/v1" {
		t.Errorf("baseURL = %q, want trailing slash removed", trimmed.baseURL)
	}
}

func TestAvailable(t *testing.T) {
	if NewClient("", "").Available() {
		t.Error("client without key reports available")
	}
	if !NewClient("key", "").Available() {
		t.Error("client with key reports unavailable")
	}
}

func TestCreateTask(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "task-123"})
	}))

	resp, err := client.CreateTask(context.Background(), "open the login page and sign in")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/run-task" {
		t.Errorf("path = %q, want /run-task", gotPath)
	}
	if gotBody["task"] != "open the login page and sign in" {
		t.Errorf("task payload = %q", gotBody["task"])
	}

	if resp.TaskID != "task-123" {
		t.Errorf("TaskID = %q", resp.TaskID)
	}
	if resp.SessionID != "task-123" {
		t.Errorf("SessionID = %q, want same as task id", resp.SessionID)
	}
	if resp.Status != TaskStatusStarted {
		t.Errorf("Status = %q, want %q", resp.Status, TaskStatusStarted)
	}
	if resp.LiveURL != nil {
		t.Errorf("LiveURL should be nil immediately after creation, got %v", *resp.LiveURL)
	}
}

func TestCreateTaskWithoutKey(t *testing.T) {
	client := NewClient("", "http://localhost:0")

	_, err := client.CreateTask(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error with no API key")
	}

	var appErr *tperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *errors.Error", err)
	}
	if appErr.Code != tperrors.ErrCodeCloudUnavailable {
		t.Errorf("code = %s, want %s", appErr.Code, tperrors.ErrCodeCloudUnavailable)
	}
	if len(appErr.Remediation) == 0 {
		t.Error("missing-key error should carry remediation hints")
	}
}

func TestCreateTaskRejectsEmptyInstructions(t *testing.T) {
	client := NewClient("key", "http://localhost:0")
	if _, err := client.CreateTask(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank instructions")
	}
}

func TestGetTask(t *testing.T) {
	liveURL := "https://live.example.com/view/abc"
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/task-9" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "task-9",
			"session_id": "task-9",
			"status":     "running",
			"live_url":   liveURL,
			"steps": []map[string]any{
				{"step": 1, "next_goal": "open login page", "evaluation_previous_goal": "n/a", "url": "https://example.com"},
				{"step": 2, "next_goal": "fill credentials", "evaluation_previous_goal": "page loaded", "url": "https://example.com/login"},
			},
		})
	}))

	detail, err := client.GetTask(context.Background(), "task-9")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if detail.Status != "running" {
		t.Errorf("Status = %q", detail.Status)
	}
	if detail.LiveURL == nil || *detail.LiveURL != liveURL {
		t.Errorf("LiveURL = %v, want %q", detail.LiveURL, liveURL)
	}
	if len(detail.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(detail.Steps))
	}
	if detail.Steps[0].Number != 1 || detail.Steps[0].Goal != "open login page" {
		t.Errorf("unexpected first step: %+v", detail.Steps[0])
	}
	if detail.Steps[1].Evaluation != "page loaded" {
		t.Errorf("unexpected second step evaluation: %q", detail.Steps[1].Evaluation)
	}
}

func TestGetTaskFillsMissingIdentifiers(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))

	detail, err := client.GetTask(context.Background(), "task-x")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if detail.TaskID != "task-x" || detail.SessionID != "task-x" {
		t.Errorf("ids = %q/%q, want task-x for both", detail.TaskID, detail.SessionID)
	}
	if detail.Status != "unknown" {
		t.Errorf("Status = %q, want unknown", detail.Status)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetTask(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !tperrors.IsCode(err, tperrors.ErrCodeTaskNotFound) {
		t.Errorf("error = %v, want task-not-found code", err)
	}
}

func TestGetTaskRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "task-1", "status": "running"})
	}))

	detail, err := client.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask after retries: %v", err)
	}
	if detail.Status != "running" {
		t.Errorf("Status = %q", detail.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestCreateParallel(t *testing.T) {
	var created atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := created.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"id": "task-" + string(rune('a'+n-1))})
	}))

	resp, err := client.CreateParallel(context.Background(), []string{"flow one", "flow two", "flow three"})
	if err != nil {
		t.Fatalf("CreateParallel: %v", err)
	}

	if resp.TotalTasks != 3 || len(resp.Tasks) != 3 {
		t.Fatalf("TotalTasks = %d, tasks = %d", resp.TotalTasks, len(resp.Tasks))
	}
	if _, err := uuid.Parse(resp.BatchID); err != nil {
		t.Errorf("BatchID %q is not a UUID: %v", resp.BatchID, err)
	}
	for i, task := range resp.Tasks {
		if task == nil || task.TaskID == "" {
			t.Errorf("task %d missing", i)
		}
	}
}

func TestCreateParallelRejectsEmpty(t *testing.T) {
	client := NewClient("key", "http://localhost:0")
	if _, err := client.CreateParallel(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty flow list")
	}
}

func TestWatchStreamsStepsAndCompletion(t *testing.T) {
	var polls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "task-1",
				"status": "running",
				"steps": []map[string]any{
					{"step": 1, "next_goal": "open page"},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "task-1",
			"status": "finished",
			"output": "login succeeded",
			"steps": []map[string]any{
				{"step": 1, "next_goal": "open page"},
				{"step": 2, "next_goal": "submit form"},
			},
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var updates []WatchUpdate
	for update := range client.Watch(ctx, "task-1") {
		updates = append(updates, update)
	}

	wantTypes := []WatchUpdateType{WatchStep, WatchStatus, WatchStep, WatchStatus, WatchCompletion}
	if len(updates) != len(wantTypes) {
		t.Fatalf("updates = %d, want %d: %+v", len(updates), len(wantTypes), updates)
	}
	for i, want := range wantTypes {
		if updates[i].Type != want {
			t.Errorf("update %d type = %s, want %s", i, updates[i].Type, want)
		}
	}

	if updates[0].Step == nil || updates[0].Step.Number != 1 {
		t.Errorf("first step update = %+v", updates[0].Step)
	}
	if updates[2].Step == nil || updates[2].Step.Number != 2 {
		t.Errorf("second step update = %+v", updates[2].Step)
	}
	if updates[1].Status != "running" || updates[1].StepsCount != 1 {
		t.Errorf("first status update = %+v", updates[1])
	}
	final := updates[len(updates)-1]
	if final.Status != TaskStatusFinished || final.Output != "login succeeded" {
		t.Errorf("completion = %+v", final)
	}
}

func TestWatchEmitsErrorOnFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_ = server

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var updates []WatchUpdate
	for update := range client.Watch(ctx, "gone") {
		updates = append(updates, update)
	}

	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].Type != WatchError || updates[0].Err == nil {
		t.Errorf("update = %+v, want error update", updates[0])
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, status := range []string{TaskStatusFinished, TaskStatusFailed, TaskStatusStopped} {
		if !TerminalStatus(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []string{TaskStatusStarted, TaskStatusRunning, "unknown", ""} {
		if TerminalStatus(status) {
			t.Errorf("%s should not be terminal", status)
		}
	}
}
