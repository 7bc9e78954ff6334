package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{
		ID:        "run-1",
		Principal: "user-a",
		Name:      "checkout flow",
		Prompt:    "test the checkout funnel",
		Metadata:  map[string]any{"source": "api"},
	}
	if err := store.CreateTestRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != RunStatusGenerating {
		t.Fatalf("expected default status generating, got %s", run.Status)
	}

	fetched, err := store.GetTestRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched == nil || fetched.ID != "run-1" {
		t.Fatalf("expected run to exist, got %+v", fetched)
	}
	if fetched.Principal != "user-a" {
		t.Errorf("principal = %q, want user-a", fetched.Principal)
	}
	if fetched.Metadata["source"] != "api" {
		t.Errorf("metadata not round-tripped: %+v", fetched.Metadata)
	}

	list, err := store.ListTestRuns("user-a", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 1 || list[0].ID != "run-1" {
		t.Fatalf("expected run in list, got %+v", list)
	}

	// Other principals see nothing.
	other, err := store.ListTestRuns("user-b", 10)
	if err != nil {
		t.Fatalf("list runs for other principal: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no runs for user-b, got %+v", other)
	}

	if err := store.SetTestRunStatus("run-1", RunStatusRunning); err != nil {
		t.Fatalf("set status running: %v", err)
	}
	if err := store.SetTestRunStatus("run-1", RunStatusCompleted); err != nil {
		t.Fatalf("set status completed: %v", err)
	}

	// Terminal states are final.
	if err := store.SetTestRunStatus("run-1", RunStatusRunning); err == nil {
		t.Fatal("expected error writing status over a terminal run")
	}
	fetched, _ = store.GetTestRun("run-1")
	if fetched.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", fetched.Status)
	}

	if err := store.DeleteTestRun("run-1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	fetched, err = store.GetTestRun("run-1")
	if err != nil {
		t.Fatalf("get run after delete: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected run to be deleted, got %+v", fetched)
	}
}

func TestCreateTestRunRequiresPrincipal(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{ID: "run-1", Name: "n", Prompt: "p"}
	if err := store.CreateTestRun(run); err == nil {
		t.Fatal("expected error creating run without principal")
	}
}

func TestAdjustFlowCounters(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{ID: "run-1", Principal: "user-a", Name: "n", Prompt: "p"}
	if err := store.CreateTestRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := store.AdjustFlowCounters("run-1", 3, 1, 1); err != nil {
		t.Fatalf("adjust counters: %v", err)
	}
	fetched, _ := store.GetTestRun("run-1")
	if fetched.TotalFlows != 3 || fetched.CompletedFlows != 1 || fetched.FailedFlows != 1 {
		t.Fatalf("counters = %d/%d/%d, want 3/1/1", fetched.TotalFlows, fetched.CompletedFlows, fetched.FailedFlows)
	}

	// Decrement past zero floors at zero, never negative.
	if err := store.AdjustFlowCounters("run-1", -10, -10, -10); err != nil {
		t.Fatalf("adjust counters below zero: %v", err)
	}
	fetched, _ = store.GetTestRun("run-1")
	if fetched.TotalFlows != 0 || fetched.CompletedFlows != 0 || fetched.FailedFlows != 0 {
		t.Fatalf("counters = %d/%d/%d, want 0/0/0", fetched.TotalFlows, fetched.CompletedFlows, fetched.FailedFlows)
	}

	if err := store.AdjustFlowCounters("missing", 1, 0, 0); err == nil {
		t.Fatal("expected error adjusting counters for missing run")
	}
}

func TestDeleteTestRunCascades(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{ID: "run-1", Principal: "user-a", Name: "n", Prompt: "p"}
	if err := store.CreateTestRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	flow := &Flow{ID: "flow-1", RunID: "run-1", Name: "login"}
	if err := store.CreateFlow(flow); err != nil {
		t.Fatalf("create flow: %v", err)
	}
	session := &BrowserSession{
		ID:        "sess-1",
		FlowID:    "flow-1",
		Principal: "user-a",
		TaskID:    "task-1",
		StartedAt: time.Now(),
	}
	if err := store.CreateBrowserSession(session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.ReplaceExecutionSteps("sess-1", []*ExecutionStep{
		{StepNumber: 1, Action: "navigate", Status: StepStatusCompleted},
	}); err != nil {
		t.Fatalf("replace steps: %v", err)
	}

	if err := store.DeleteTestRun("run-1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}

	if f, _ := store.GetFlow("flow-1"); f != nil {
		t.Fatalf("expected flow gone, got %+v", f)
	}
	if sess, _ := store.GetBrowserSession("sess-1"); sess != nil {
		t.Fatalf("expected session gone, got %+v", sess)
	}
	events, _ := store.ListSessionEvents("sess-1", 10)
	if len(events) != 0 {
		t.Fatalf("expected session events gone, got %d", len(events))
	}
	steps, _ := store.ListExecutionSteps("sess-1")
	if len(steps) != 0 {
		t.Fatalf("expected steps gone, got %d", len(steps))
	}
}
