package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewLogger tests logger construction with temp directories
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		baseDir string
		runID   string
		wantErr bool
	}{
		{
			name:    "valid directory and run ID",
			baseDir: t.TempDir(),
			runID:   "run-123",
			wantErr: false,
		},
		{
			name:    "creates directories if not exist",
			baseDir: filepath.Join(t.TempDir(), "nested", "path"),
			runID:   "run-456",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.baseDir, tt.runID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer logger.Close()

			if logger.runID != tt.runID {
				t.Errorf("runID = %v, want %v", logger.runID, tt.runID)
			}
			if logger.minLevel != LevelInfo {
				t.Errorf("minLevel = %v, want %v", logger.minLevel, LevelInfo)
			}

			runFile := filepath.Join(tt.baseDir, "runs", tt.runID+".jsonl")
			if _, err := os.Stat(runFile); os.IsNotExist(err) {
				t.Errorf("run log file not created")
			}

			errorFile := filepath.Join(tt.baseDir, "errors.jsonl")
			if _, err := os.Stat(errorFile); os.IsNotExist(err) {
				t.Errorf("errors.jsonl not created")
			}

			cloudFile := filepath.Join(tt.baseDir, "cloud.jsonl")
			if _, err := os.Stat(cloudFile); os.IsNotExist(err) {
				t.Errorf("cloud.jsonl not created")
			}
		})
	}
}

// TestNewLoggerInvalidDirectory tests error handling for invalid directories
func TestNewLoggerInvalidDirectory(t *testing.T) {
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "file-not-dir")
	if err := os.WriteFile(filePath, []byte("test"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	_, err := NewLogger(filePath, "run-1")
	if err == nil {
		t.Fatal("expected error when baseDir is a file, got nil")
	}
}

// TestLogEvent tests the Log method
func TestLogEvent(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-abc"
	logger, err := NewLogger(baseDir, runID)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	before := time.Now()
	event := Event{
		Level:     LevelInfo,
		Category:  CategoryFlow,
		EventType: "flow_approved",
		Message:   "flow approved",
		Details: map[string]any{
			"flow_id":  "flow-1",
			"position": 3,
		},
	}

	if err := logger.Log(event); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	after := time.Now()

	runFile := filepath.Join(baseDir, "runs", runID+".jsonl")
	events, err := ReadRecentEvents(runFile, 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	logged := events[0]
	if logged.Level != event.Level {
		t.Errorf("Level = %v, want %v", logged.Level, event.Level)
	}
	if logged.Category != event.Category {
		t.Errorf("Category = %v, want %v", logged.Category, event.Category)
	}
	if logged.EventType != event.EventType {
		t.Errorf("EventType = %v, want %v", logged.EventType, event.EventType)
	}
	if logged.RunID != runID {
		t.Errorf("RunID = %v, want %v", logged.RunID, runID)
	}
	if logged.Timestamp.Before(before) || logged.Timestamp.After(after) {
		t.Errorf("Timestamp %v not in expected range [%v, %v]", logged.Timestamp, before, after)
	}
}

// TestLogErrorEvent tests error events are written to both run and error logs
func TestLogErrorEvent(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-abc"
	logger, err := NewLogger(baseDir, runID)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	event := Event{
		Level:     LevelError,
		Category:  CategorySession,
		EventType: "session_failed",
		Message:   "browser session failed",
	}

	if err := logger.Log(event); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	runFile := filepath.Join(baseDir, "runs", runID+".jsonl")
	runEvents, err := ReadRecentEvents(runFile, 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents (run) failed: %v", err)
	}
	if len(runEvents) != 1 {
		t.Errorf("expected 1 event in run log, got %d", len(runEvents))
	}

	errorFile := filepath.Join(baseDir, "errors.jsonl")
	errorEvents, err := ReadRecentEvents(errorFile, 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents (error) failed: %v", err)
	}
	if len(errorEvents) != 1 {
		t.Errorf("expected 1 event in error log, got %d", len(errorEvents))
	}

	if errorEvents[0].Message != event.Message {
		t.Errorf("error log message = %v, want %v", errorEvents[0].Message, event.Message)
	}
}

// TestLogCloudEvent tests cloud events are mirrored to the cloud log
func TestLogCloudEvent(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-abc"
	logger, err := NewLogger(baseDir, runID)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	event := Event{
		Level:     LevelInfo,
		Category:  CategoryCloud,
		EventType: "task_created",
		TaskID:    "task-9",
		Details: map[string]any{
			"status": "created",
		},
	}

	if err := logger.Log(event); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	cloudFile := filepath.Join(baseDir, "cloud.jsonl")
	cloudEvents, err := ReadRecentEvents(cloudFile, 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents (cloud) failed: %v", err)
	}
	if len(cloudEvents) != 1 {
		t.Fatalf("expected 1 event in cloud log, got %d", len(cloudEvents))
	}

	if cloudEvents[0].TaskID != "task-9" {
		t.Errorf("cloud log task_id = %v, want task-9", cloudEvents[0].TaskID)
	}
}

// TestSetMinLevel tests level filtering
func TestSetMinLevel(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-abc")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	// Default level is Info, so Debug should be filtered
	logger.Log(Event{
		Level:     LevelDebug,
		Category:  CategoryStorage,
		EventType: "debug_event",
	})

	runFile := filepath.Join(baseDir, "runs", "run-abc.jsonl")
	events, _ := ReadRecentEvents(runFile, 10)
	if len(events) != 0 {
		t.Errorf("expected 0 events (debug filtered), got %d", len(events))
	}

	logger.SetMinLevel(LevelDebug)

	logger.Log(Event{
		Level:     LevelDebug,
		Category:  CategoryStorage,
		EventType: "debug_event_2",
	})

	events, _ = ReadRecentEvents(runFile, 10)
	if len(events) != 1 {
		t.Errorf("expected 1 event after SetMinLevel(Debug), got %d", len(events))
	}

	logger.SetMinLevel(LevelError)

	logger.Log(Event{
		Level:     LevelInfo,
		Category:  CategoryStorage,
		EventType: "info_event",
	})

	events, _ = ReadRecentEvents(runFile, 10)
	if len(events) != 1 {
		t.Errorf("expected 1 event (info filtered), got %d", len(events))
	}
}

// TestShouldLog tests the shouldLog method
func TestShouldLog(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-abc")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	tests := []struct {
		name      string
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{"debug level allows debug", LevelDebug, LevelDebug, true},
		{"debug level allows error", LevelDebug, LevelError, true},
		{"info level blocks debug", LevelInfo, LevelDebug, false},
		{"info level allows warn", LevelInfo, LevelWarn, true},
		{"warn level blocks info", LevelWarn, LevelInfo, false},
		{"error level blocks warn", LevelError, LevelWarn, false},
		{"error level allows error", LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger.SetMinLevel(tt.minLevel)
			result := logger.shouldLog(tt.logLevel)
			if result != tt.shouldLog {
				t.Errorf("shouldLog(%v) with minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, result, tt.shouldLog)
			}
		})
	}
}

// TestHelpers exercises the leveled helper methods
func TestHelpers(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-abc")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logger.SetMinLevel(LevelDebug)

	if err := logger.Debug(CategoryFlowgen, "prompt_built", "built generation prompt", nil); err != nil {
		t.Fatalf("Debug() failed: %v", err)
	}
	if err := logger.Info(CategoryRun, "run_started", "run started", nil); err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if err := logger.Warn(CategoryNetwork, "retrying", "retrying request", nil); err != nil {
		t.Fatalf("Warn() failed: %v", err)
	}
	if err := logger.Error(CategoryCloud, "task_failed", "cloud task failed", nil); err != nil {
		t.Fatalf("Error() failed: %v", err)
	}

	runFile := filepath.Join(baseDir, "runs", "run-abc.jsonl")
	events, err := ReadRecentEvents(runFile, 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	wantLevels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i, want := range wantLevels {
		if events[i].Level != want {
			t.Errorf("event %d level = %v, want %v", i, events[i].Level, want)
		}
	}
}

// TestEventWithExplicitRunID tests that explicit run IDs are not overwritten
func TestEventWithExplicitRunID(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "default-run")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	event := Event{
		Level:     LevelInfo,
		Category:  CategorySession,
		EventType: "test",
		RunID:     "explicit-run",
		SessionID: "explicit-session",
		TaskID:    "explicit-task",
	}

	if err := logger.Log(event); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	runFile := filepath.Join(baseDir, "runs", "default-run.jsonl")
	events, err := ReadRecentEvents(runFile, 1)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	logged := events[0]
	if logged.RunID != "explicit-run" {
		t.Errorf("RunID = %v, want explicit-run", logged.RunID)
	}
	if logged.SessionID != "explicit-session" {
		t.Errorf("SessionID = %v, want explicit-session", logged.SessionID)
	}
	if logged.TaskID != "explicit-task" {
		t.Errorf("TaskID = %v, want explicit-task", logged.TaskID)
	}
}

// TestReadRecentEvents tests reading events with different counts
func TestReadRecentEvents(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-abc")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 10; i++ {
		logger.Info(CategoryFlow, "test", "message", map[string]any{
			"index": i,
		})
	}

	runFile := filepath.Join(baseDir, "runs", "run-abc.jsonl")

	tests := []struct {
		name      string
		count     int
		wantCount int
	}{
		{"read last 5", 5, 5},
		{"read last 10", 10, 10},
		{"read more than exist", 20, 10},
		{"read 1", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := ReadRecentEvents(runFile, tt.count)
			if err != nil {
				t.Fatalf("ReadRecentEvents failed: %v", err)
			}
			if len(events) != tt.wantCount {
				t.Errorf("got %d events, want %d", len(events), tt.wantCount)
			}
		})
	}
}

// TestConcurrentWrites tests thread safety of logging
func TestConcurrentWrites(t *testing.T) {
	baseDir := t.TempDir()
	logger, err := NewLogger(baseDir, "run-abc")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 10; j++ {
				logger.Info(CategorySession, "concurrent", "", map[string]any{
					"goroutine": id,
					"iteration": j,
				})
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	runFile := filepath.Join(baseDir, "runs", "run-abc.jsonl")
	events, err := ReadRecentEvents(runFile, 200)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}

	if len(events) != 100 {
		t.Errorf("expected 100 events, got %d", len(events))
	}
}
