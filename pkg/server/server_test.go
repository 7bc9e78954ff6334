package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/cloud"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/telemetry"
)

type fakeOrchestrator struct {
	store     *storage.Store
	createErr error

	mu       sync.Mutex
	executed []string
}

func (f *fakeOrchestrator) CreateRun(ctx context.Context, principal, name, prompt, targetURL string) (*storage.TestRun, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	run := &storage.TestRun{
		ID:        ulid.Make().String(),
		Principal: principal,
		Name:      name,
		Prompt:    prompt,
		Status:    storage.RunStatusPending,
	}
	if targetURL != "" {
		run.Metadata = map[string]any{"targetUrl": targetURL}
	}
	if err := f.store.CreateTestRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (f *fakeOrchestrator) ExecuteRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.executed = append(f.executed, runID)
	f.mu.Unlock()
	return nil
}

type fakeCloudProxy struct {
	createErr error
	detail    *cloud.TaskDetail

	mu      sync.Mutex
	created []string
}

func (f *fakeCloudProxy) CreateTask(ctx context.Context, task string) (*cloud.TaskResponse, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, task)
	id := fmt.Sprintf("task-%d", len(f.created))
	f.mu.Unlock()
	return &cloud.TaskResponse{TaskID: id, SessionID: id, Status: cloud.TaskStatusStarted}, nil
}

func (f *fakeCloudProxy) GetTask(ctx context.Context, taskID string) (*cloud.TaskDetail, error) {
	if f.detail != nil {
		return f.detail, nil
	}
	return &cloud.TaskDetail{TaskID: taskID, SessionID: taskID, Status: cloud.TaskStatusRunning}, nil
}

func (f *fakeCloudProxy) Watch(ctx context.Context, taskID string) <-chan cloud.WatchUpdate {
	ch := make(chan cloud.WatchUpdate, 2)
	ch <- cloud.WatchUpdate{Type: cloud.WatchStatus, TaskID: taskID, Status: cloud.TaskStatusRunning, Timestamp: time.Now()}
	ch <- cloud.WatchUpdate{Type: cloud.WatchCompletion, TaskID: taskID, Status: cloud.TaskStatusFinished, Timestamp: time.Now()}
	close(ch)
	return ch
}

func (f *fakeCloudProxy) Available() bool { return true }

type testEnv struct {
	server *Server
	store  *storage.Store
	orch   *fakeOrchestrator
	cloud  *fakeCloudProxy
	http   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := &fakeOrchestrator{store: store}
	cloudProxy := &fakeCloudProxy{}
	hub := telemetry.NewHub()
	t.Cleanup(hub.Close)

	srv := NewServer(Config{BindAddress: "127.0.0.1:0"}, store, orch, cloudProxy, hub)
	srv.mutLimiter = newRateLimiter(0)
	return &testEnv{
		server: srv,
		store:  store,
		orch:   orch,
		cloud:  cloudProxy,
		http:   srv.Handler(),
	}
}

func (env *testEnv) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set(principalHeader, principal)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (env *testEnv) seedRun(t *testing.T, principal string) *storage.TestRun {
	t.Helper()
	run := &storage.TestRun{
		ID:        ulid.Make().String(),
		Principal: principal,
		Name:      "checkout smoke",
		Prompt:    "test the checkout",
		Status:    storage.RunStatusPending,
	}
	if err := env.store.CreateTestRun(run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func (env *testEnv) seedFlow(t *testing.T, runID string) *storage.Flow {
	t.Helper()
	flow := &storage.Flow{
		ID:           ulid.Make().String(),
		Name:         "login flow",
		Instructions: "go to /login and sign in",
	}
	if err := env.store.CreateFlowBatch(runID, []*storage.Flow{flow}); err != nil {
		t.Fatalf("seed flow: %v", err)
	}
	return flow
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/runs", "alice", map[string]any{
		"name":      "checkout",
		"prompt":    "test the checkout flow",
		"targetUrl": "https://shop.example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Run storage.TestRun `json:"run"`
	}
	decodeBody(t, rec, &body)
	if body.Run.ID == "" {
		t.Fatal("expected run id in response")
	}
	if body.Run.Principal != "alice" {
		t.Fatalf("expected principal alice, got %q", body.Run.Principal)
	}
}

func TestCreateRunRequiresPrompt(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/runs", "alice", map[string]any{"name": "no prompt"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRunRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.server.mutLimiter = newRateLimiter(time.Minute)
	first := env.do(t, http.MethodPost, "/api/runs", "alice", map[string]any{"prompt": "first"})
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/api/runs", "alice", map[string]any{"prompt": "second"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestListRunsScopedToPrincipal(t *testing.T) {
	env := newTestEnv(t)
	env.seedRun(t, "alice")
	env.seedRun(t, "alice")
	env.seedRun(t, "bob")

	rec := env.do(t, http.MethodGet, "/api/runs", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Runs []storage.TestRun `json:"runs"`
	}
	decodeBody(t, rec, &body)
	if len(body.Runs) != 2 {
		t.Fatalf("expected 2 runs for alice, got %d", len(body.Runs))
	}
	for _, run := range body.Runs {
		if run.Principal != "alice" {
			t.Fatalf("leaked run owned by %q", run.Principal)
		}
	}
}

func TestForeignRunIndistinguishableFromMissing(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")

	foreign := env.do(t, http.MethodGet, "/api/runs/"+run.ID, "bob", nil)
	missing := env.do(t, http.MethodGet, "/api/runs/no-such-run", "bob", nil)
	if foreign.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404/404, got %d/%d", foreign.Code, missing.Code)
	}
	var a, b map[string]any
	decodeBody(t, foreign, &a)
	decodeBody(t, missing, &b)
	if a["message"] != b["message"] {
		t.Fatalf("foreign and missing responses differ: %v vs %v", a["message"], b["message"])
	}
}

func TestExecuteRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID+"/execute", "alice", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.orch.mu.Lock()
		n := len(env.orch.executed)
		env.orch.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orchestrator never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeleteRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	env.seedFlow(t, run.ID)

	rec := env.do(t, http.MethodDelete, "/api/runs/"+run.ID, "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	got, err := env.store.GetTestRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got != nil {
		t.Fatal("run still present after delete")
	}
}

func TestFlowBatchCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID+"/flows", "alice", map[string]any{
		"flows": []map[string]any{
			{"name": "login", "instructions": "sign in"},
			{"name": "add to cart", "instructions": "add an item"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Flows []storage.Flow `json:"flows"`
	}
	decodeBody(t, rec, &body)
	if len(body.Flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(body.Flows))
	}
	if body.Flows[0].Position != 1 || body.Flows[1].Position != 2 {
		t.Fatalf("unexpected positions %d/%d", body.Flows[0].Position, body.Flows[1].Position)
	}

	list := env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/flows?status=pending", "alice", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var listBody struct {
		Flows []storage.Flow `json:"flows"`
	}
	decodeBody(t, list, &listBody)
	if len(listBody.Flows) != 2 {
		t.Fatalf("expected 2 pending flows, got %d", len(listBody.Flows))
	}
}

func TestApproveFlowsDropsForeignIDs(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)

	other := env.seedRun(t, "bob")
	foreign := env.seedFlow(t, other.ID)

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID+"/flows/approve", "alice", map[string]any{
		"flowIds": []string{flow.ID, foreign.ID, "no-such-flow"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Approved int `json:"approved"`
	}
	decodeBody(t, rec, &body)
	if body.Approved != 1 {
		t.Fatalf("expected 1 approval, got %d", body.Approved)
	}

	untouched, err := env.store.GetFlow(foreign.ID)
	if err != nil {
		t.Fatalf("get foreign flow: %v", err)
	}
	if untouched.Status != storage.FlowStatusPending {
		t.Fatalf("foreign flow mutated to %q", untouched.Status)
	}
}

func TestReorderFlowsSkipsUnknownIDs(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	a := &storage.Flow{ID: ulid.Make().String(), Name: "a", Instructions: "a"}
	b := &storage.Flow{ID: ulid.Make().String(), Name: "b", Instructions: "b"}
	if err := env.store.CreateFlowBatch(run.ID, []*storage.Flow{a, b}); err != nil {
		t.Fatalf("seed flows: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/runs/"+run.ID+"/flows/reorder", "alice", map[string]any{
		"order": []map[string]any{
			{"flowId": b.ID, "position": 1},
			{"flowId": "no-such-flow", "position": 2},
			{"flowId": a.ID, "position": 3},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Flows []storage.Flow `json:"flows"`
	}
	decodeBody(t, rec, &body)
	if len(body.Flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(body.Flows))
	}
	if body.Flows[0].ID != b.ID {
		t.Fatalf("expected %s first, got %s", b.ID, body.Flows[0].ID)
	}
}

func TestUpdateFlowStatus(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)

	rec := env.do(t, http.MethodPatch, "/api/flows/"+flow.ID+"/status", "alice", map[string]any{
		"status": "approved",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Flow storage.Flow `json:"flow"`
	}
	decodeBody(t, rec, &body)
	if body.Flow.Status != storage.FlowStatusApproved {
		t.Fatalf("expected approved, got %q", body.Flow.Status)
	}

	bad := env.do(t, http.MethodPatch, "/api/flows/"+flow.ID+"/status", "alice", map[string]any{
		"status": "nonsense",
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", bad.Code)
	}
}

func TestDeleteFlowForeignPrincipal(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)

	rec := env.do(t, http.MethodDelete, "/api/flows/"+flow.ID, "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	ok := env.do(t, http.MethodDelete, "/api/flows/"+flow.ID, "alice", nil)
	if ok.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", ok.Code)
	}
}

func TestRunStats(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	env.seedFlow(t, run.ID)

	rec := env.do(t, http.MethodGet, "/api/runs/"+run.ID+"/stats", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Stats storage.FlowStats `json:"stats"`
	}
	decodeBody(t, rec, &body)
	if body.Stats.Total != 1 || body.Stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", body.Stats)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)

	created := env.do(t, http.MethodPost, "/api/sessions", "alice", map[string]any{
		"flowId":   flow.ID,
		"taskId":   "task-abc",
		"metadata": map[string]any{"browser": "chromium"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var createdBody struct {
		Session storage.BrowserSession `json:"session"`
	}
	decodeBody(t, created, &createdBody)
	sessionID := createdBody.Session.ID
	if createdBody.Session.Status != storage.SessionStatusInitializing {
		t.Fatalf("expected initializing, got %q", createdBody.Session.Status)
	}
	if createdBody.Session.RunID != run.ID {
		t.Fatalf("expected run %s, got %s", run.ID, createdBody.Session.RunID)
	}

	byTask := env.do(t, http.MethodGet, "/api/sessions?task_id=task-abc", "alice", nil)
	if byTask.Code != http.StatusOK {
		t.Fatalf("expected 200 by task id, got %d", byTask.Code)
	}

	patched := env.do(t, http.MethodPatch, "/api/sessions/"+sessionID, "alice", map[string]any{
		"status":   storage.SessionStatusRunning,
		"progress": 40,
		"metadata": map[string]any{"currentStep": 4},
	})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", patched.Code, patched.Body.String())
	}
	var patchedBody struct {
		Session storage.BrowserSession `json:"session"`
	}
	decodeBody(t, patched, &patchedBody)
	if patchedBody.Session.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", patchedBody.Session.Progress)
	}
	if patchedBody.Session.Metadata["browser"] != "chromium" {
		t.Fatal("metadata merge dropped existing key")
	}

	logged := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/events", "alice", map[string]any{
		"eventType": "navigation",
		"message":   "opened /login",
	})
	if logged.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", logged.Code, logged.Body.String())
	}

	events := env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/events", "alice", nil)
	if events.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", events.Code)
	}
	var eventsBody struct {
		Events []storage.SessionEvent `json:"events"`
	}
	decodeBody(t, events, &eventsBody)
	// session_started from creation, status_change from the patch to
	// running, and the explicit navigation event.
	if len(eventsBody.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(eventsBody.Events))
	}
	for i, want := range []string{"session_started", "status_change", "navigation"} {
		if got := eventsBody.Events[i].EventType; got != want {
			t.Fatalf("event %d type = %q, want %q", i, got, want)
		}
	}

	steps := env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/steps", "alice", nil)
	if steps.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", steps.Code)
	}

	deleted := env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, "alice", nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}

	audit := env.do(t, http.MethodGet, "/api/sessions/audit?task_id=task-abc", "alice", nil)
	if audit.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", audit.Code)
	}
	var auditBody struct {
		Audit []storage.SessionAuditEntry `json:"audit"`
	}
	decodeBody(t, audit, &auditBody)
	if len(auditBody.Audit) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(auditBody.Audit))
	}
}

func TestUpdateSessionTerminalConflict(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)
	session := &storage.BrowserSession{
		ID:        ulid.Make().String(),
		FlowID:    flow.ID,
		RunID:     run.ID,
		Principal: "alice",
		TaskID:    "task-term",
		Status:    storage.SessionStatusCompleted,
	}
	if err := env.store.CreateBrowserSession(session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := env.do(t, http.MethodPatch, "/api/sessions/"+session.ID, "alice", map[string]any{
		"progress": 10,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestForeignSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	run := env.seedRun(t, "alice")
	flow := env.seedFlow(t, run.ID)
	session := &storage.BrowserSession{
		ID:        ulid.Make().String(),
		FlowID:    flow.ID,
		Principal: "alice",
		TaskID:    "task-own",
	}
	if err := env.store.CreateBrowserSession(session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/sessions/"+session.ID, "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	byTask := env.do(t, http.MethodGet, "/api/sessions?task_id=task-own", "bob", nil)
	if byTask.Code != http.StatusNotFound {
		t.Fatalf("expected 404 by task id, got %d", byTask.Code)
	}
}

func TestCloudProxyCreateTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/browser-cloud/create-task", "alice", map[string]any{
		"instructions": "open example.com and click login",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Task cloud.TaskResponse `json:"task"`
	}
	decodeBody(t, rec, &body)
	if body.Task.TaskID == "" || body.Task.Status != cloud.TaskStatusStarted {
		t.Fatalf("unexpected task %+v", body.Task)
	}

	missing := env.do(t, http.MethodPost, "/api/browser-cloud/create-task", "alice", map[string]any{})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", missing.Code)
	}
}

func TestCloudProxyGetTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/browser-cloud/task/task-9", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Task cloud.TaskDetail `json:"task"`
	}
	decodeBody(t, rec, &body)
	if body.Task.TaskID != "task-9" {
		t.Fatalf("expected task-9, got %q", body.Task.TaskID)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{
		BindAddress:  "127.0.0.1:0",
		AuthToken:    "sekrit",
		RequireToken: true,
	}, store, &fakeOrchestrator{store: store}, &fakeCloudProxy{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	req.Header.Set(principalHeader, "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "http://localhost")
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost" {
		t.Fatalf("missing CORS origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY, got %q", got)
	}
}

func TestValidateStartupConfigRejectsOpenBind(t *testing.T) {
	srv := NewServer(Config{BindAddress: "0.0.0.0:8080"}, nil, nil, nil, nil)
	if err := srv.validateStartupConfig(); err == nil {
		t.Fatal("expected refusal to bind publicly without auth")
	}

	srv = NewServer(Config{BindAddress: "127.0.0.1:8080"}, nil, nil, nil, nil)
	if err := srv.validateStartupConfig(); err != nil {
		t.Fatalf("loopback bind should be allowed: %v", err)
	}
}
