// Package orchestrator drives a test run end to end: flow generation,
// dispatch of approved flows to the browser cloud, progress write-back,
// and run finalization.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/testpilot/pkg/cloud"
	tperrors "github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/flowgen"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/telemetry"
)

const defaultMaxSessions = 5

// CloudClient is the browser cloud surface the orchestrator needs.
type CloudClient interface {
	CreateTask(ctx context.Context, task string) (*cloud.TaskResponse, error)
	GetTask(ctx context.Context, taskID string) (*cloud.TaskDetail, error)
	Watch(ctx context.Context, taskID string) <-chan cloud.WatchUpdate
	Available() bool
}

// FlowGenerator produces test flows from a natural-language prompt.
type FlowGenerator interface {
	GenerateFlows(ctx context.Context, prompt string, websiteURL string, numFlows int) ([]flowgen.FlowSpec, error)
	Available() bool
}

// Orchestrator coordinates storage, flow generation, and the browser cloud.
type Orchestrator struct {
	store       *storage.Store
	cloud       CloudClient
	generator   FlowGenerator
	hub         *telemetry.Hub
	logger      *logging.Logger
	maxSessions int
	flowCount   int
}

// Options tunes orchestrator behavior.
type Options struct {
	// MaxSessions bounds concurrent browser sessions per run (0 uses the default).
	MaxSessions int
	// FlowCount is how many flows to request from the generator (0 lets the generator decide).
	FlowCount int
}

// New creates an orchestrator. hub and logger may be nil.
func New(store *storage.Store, cloudClient CloudClient, generator FlowGenerator, hub *telemetry.Hub, logger *logging.Logger, opts Options) *Orchestrator {
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Orchestrator{
		store:       store,
		cloud:       cloudClient,
		generator:   generator,
		hub:         hub,
		logger:      logger,
		maxSessions: maxSessions,
		flowCount:   opts.FlowCount,
	}
}

// CreateRun persists a new test run owned by principal and generates its
// flows. The run starts in the generating state; once flows are stored it
// moves to pending, awaiting approval. Generation failure marks the run
// failed and returns the error.
func (o *Orchestrator) CreateRun(ctx context.Context, principal, name, prompt, targetURL string) (*storage.TestRun, error) {
	run := &storage.TestRun{
		ID:        ulid.Make().String(),
		Principal: principal,
		Name:      name,
		Prompt:    prompt,
		Status:    storage.RunStatusGenerating,
	}
	if targetURL != "" {
		run.Metadata = map[string]any{"targetUrl": targetURL}
	}

	if err := o.store.CreateTestRun(run); err != nil {
		return nil, fmt.Errorf("creating test run: %w", err)
	}
	o.publish(telemetry.Event{Type: telemetry.EventRunCreated, RunID: run.ID})
	o.logInfo(logging.CategoryRun, "run_created", "test run created", map[string]any{
		"runId": run.ID,
		"name":  name,
	})

	if err := o.GenerateFlows(ctx, run); err != nil {
		_ = o.store.SetTestRunStatus(run.ID, storage.RunStatusFailed)
		o.publish(telemetry.Event{Type: telemetry.EventRunFailed, RunID: run.ID})
		return run, err
	}

	if err := o.store.SetTestRunStatus(run.ID, storage.RunStatusPending); err != nil {
		return run, fmt.Errorf("marking run pending: %w", err)
	}
	run.Status = storage.RunStatusPending
	return run, nil
}

// GenerateFlows asks the generator for flows and stores them as a batch.
func (o *Orchestrator) GenerateFlows(ctx context.Context, run *storage.TestRun) error {
	if o.generator == nil || !o.generator.Available() {
		return tperrors.New(tperrors.ErrCodeFlowgenUnavailable, "flow generation is not configured").
			WithRemediation("Set the OPENAI_API_KEY environment variable")
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.GenerateFlows")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.ID))

	targetURL := ""
	if v, ok := run.Metadata["targetUrl"].(string); ok {
		targetURL = v
	}

	specs, err := o.generator.GenerateFlows(ctx, run.Prompt, targetURL, o.flowCount)
	if err != nil {
		o.logError(logging.CategoryFlowgen, "generation_failed", err.Error(), map[string]any{"runId": run.ID})
		return err
	}

	flows := make([]*storage.Flow, len(specs))
	for i, spec := range specs {
		flows[i] = &storage.Flow{
			ID:           ulid.Make().String(),
			Name:         spec.Name,
			Description:  spec.Description,
			Instructions: spec.Instructions,
			TargetURL:    targetURL,
		}
	}
	if err := o.store.CreateFlowBatch(run.ID, flows); err != nil {
		return fmt.Errorf("storing generated flows: %w", err)
	}

	o.publish(telemetry.Event{
		Type:  telemetry.EventFlowsGenerated,
		RunID: run.ID,
		Data:  map[string]any{"count": len(flows)},
	})
	o.logInfo(logging.CategoryFlowgen, "flows_generated", fmt.Sprintf("generated %d flows", len(flows)), map[string]any{
		"runId": run.ID,
		"count": len(flows),
	})
	return nil
}

// ExecuteRun dispatches every approved flow of the run to the browser cloud
// and blocks until all of them reach a terminal state. Flow failures are
// recorded per flow and do not abort siblings; the run ends failed if any
// flow failed.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	if o.cloud == nil || !o.cloud.Available() {
		return tperrors.New(tperrors.ErrCodeCloudUnavailable, "Browser Use Cloud API key not configured").
			WithRemediation("Set the BROWSER_USE_API_KEY environment variable")
	}

	run, err := o.store.GetTestRun(runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return tperrors.New(tperrors.ErrCodeTaskNotFound, fmt.Sprintf("run %s not found", runID))
	}

	flows, err := o.store.ListFlowsByRun(runID, storage.FlowStatusApproved)
	if err != nil {
		return fmt.Errorf("listing approved flows: %w", err)
	}
	if len(flows) == 0 {
		return tperrors.New(tperrors.ErrCodeInvalidInput, "run has no approved flows")
	}

	if err := o.store.SetTestRunStatus(runID, storage.RunStatusRunning); err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}
	recordRunStarted()
	o.publish(telemetry.Event{Type: telemetry.EventRunUpdated, RunID: runID, Data: map[string]any{"status": storage.RunStatusRunning}})

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.ExecuteRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.flows", len(flows)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxSessions)
	for _, flow := range flows {
		g.Go(func() error {
			o.runFlow(gctx, run, &flow)
			return nil
		})
	}
	// Workers never return errors; failures land on the flow records.
	_ = g.Wait()

	return o.finalizeRun(runID)
}

// runFlow executes one flow: cloud task, session record, progress write-back.
func (o *Orchestrator) runFlow(ctx context.Context, run *storage.TestRun, flow *storage.Flow) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.runFlow")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("flow.id", flow.ID),
	)

	now := time.Now().UTC()
	if err := o.store.UpdateFlowStatus(flow.ID, storage.FlowStatusRunning, &now, nil, nil); err != nil {
		o.failFlow(run, flow, "", fmt.Errorf("marking flow running: %w", err))
		return
	}
	recordFlowExecuted()
	o.publish(telemetry.Event{Type: telemetry.EventFlowStarted, RunID: run.ID, FlowID: flow.ID})

	task, err := o.cloud.CreateTask(ctx, flow.Instructions)
	if err != nil {
		o.failFlow(run, flow, "", fmt.Errorf("creating cloud task: %w", err))
		return
	}
	recordCloudTask()
	o.logInfo(logging.CategoryCloud, "task_created", "cloud task created", map[string]any{
		"flowId": flow.ID,
		"taskId": task.TaskID,
	})

	session := &storage.BrowserSession{
		ID:        ulid.Make().String(),
		FlowID:    flow.ID,
		Principal: run.Principal,
		TaskID:    task.TaskID,
		Status:    storage.SessionStatusInitializing,
	}
	if err := o.store.CreateBrowserSession(session); err != nil {
		o.failFlow(run, flow, "", fmt.Errorf("creating browser session: %w", err))
		return
	}
	o.publish(telemetry.Event{
		Type:      telemetry.EventSessionCreated,
		RunID:     run.ID,
		FlowID:    flow.ID,
		SessionID: session.ID,
		TaskID:    task.TaskID,
	})

	var steps []*storage.ExecutionStep
	for update := range o.cloud.Watch(ctx, task.TaskID) {
		switch update.Type {
		case cloud.WatchStep:
			steps = append(steps, stepFromCloud(session.ID, update.Step))
			if err := o.store.ReplaceExecutionSteps(session.ID, steps); err == nil {
				o.publish(telemetry.Event{
					Type:      telemetry.EventSessionSteps,
					RunID:     run.ID,
					FlowID:    flow.ID,
					SessionID: session.ID,
					Data:      map[string]any{"count": len(steps)},
				})
			}

		case cloud.WatchStatus:
			o.applyStatusUpdate(run, flow, session.ID, update, len(steps))

		case cloud.WatchCompletion:
			o.completeFlow(run, flow, session.ID, update)
			return

		case cloud.WatchError:
			o.failFlow(run, flow, session.ID, update.Err)
			return
		}
	}

	// Watch closed without a completion or error update; treat as failure.
	o.failFlow(run, flow, session.ID, fmt.Errorf("cloud task %s stopped reporting", task.TaskID))
}

// applyStatusUpdate mirrors a cloud status poll onto the session record.
func (o *Orchestrator) applyStatusUpdate(run *storage.TestRun, flow *storage.Flow, sessionID string, update cloud.WatchUpdate, stepCount int) {
	status := sessionStatusFromCloud(update.Status)
	progress := progressEstimate(stepCount)

	sessionUpdate := storage.BrowserSessionUpdate{
		Status:   &status,
		Progress: &progress,
	}
	if update.LiveURL != nil {
		sessionUpdate.LiveURL = update.LiveURL
	}

	err := o.store.UpdateBrowserSession(sessionID, sessionUpdate)
	if err != nil && err != storage.ErrSessionTerminal {
		o.logError(logging.CategorySession, "update_failed", err.Error(), map[string]any{"sessionId": sessionID})
		return
	}
	o.publish(telemetry.Event{
		Type:      telemetry.EventSessionUpdated,
		RunID:     run.ID,
		FlowID:    flow.ID,
		SessionID: sessionID,
		Data:      map[string]any{"status": status, "stepsCount": stepCount},
	})
}

// completeFlow finalizes the session and flow from a terminal cloud status.
func (o *Orchestrator) completeFlow(run *storage.TestRun, flow *storage.Flow, sessionID string, update cloud.WatchUpdate) {
	finalStatus := sessionStatusFromCloud(update.Status)
	progress := 100
	sessionUpdate := storage.BrowserSessionUpdate{Status: &finalStatus}
	if update.Status == cloud.TaskStatusFinished {
		sessionUpdate.Progress = &progress
	}
	if err := o.store.UpdateBrowserSession(sessionID, sessionUpdate); err != nil && err != storage.ErrSessionTerminal {
		o.logError(logging.CategorySession, "finalize_failed", err.Error(), map[string]any{"sessionId": sessionID})
	}

	data := map[string]any{"status": update.Status}
	if update.Output != "" {
		data["output"] = update.Output
	}
	_ = o.store.LogSessionEvent(&storage.SessionEvent{
		SessionID: sessionID,
		FlowID:    flow.ID,
		RunID:     run.ID,
		EventType: "task_completed",
		Message:   fmt.Sprintf("cloud task finished with status %s", update.Status),
		Data:      data,
	})

	if update.Status == cloud.TaskStatusFinished {
		if err := o.store.MarkFlowCompleted(flow.ID); err != nil {
			o.logError(logging.CategoryFlow, "complete_failed", err.Error(), map[string]any{"flowId": flow.ID})
		}
		o.publish(telemetry.Event{Type: telemetry.EventFlowCompleted, RunID: run.ID, FlowID: flow.ID, SessionID: sessionID})
		return
	}

	recordFlowFailed()
	if err := o.store.MarkFlowFailed(flow.ID); err != nil {
		o.logError(logging.CategoryFlow, "fail_failed", err.Error(), map[string]any{"flowId": flow.ID})
	}
	o.publish(telemetry.Event{Type: telemetry.EventFlowFailed, RunID: run.ID, FlowID: flow.ID, SessionID: sessionID})
}

// failFlow records a flow failure caused by an orchestration error.
func (o *Orchestrator) failFlow(run *storage.TestRun, flow *storage.Flow, sessionID string, cause error) {
	recordFlowFailed()

	message := "flow execution failed"
	if cause != nil {
		message = cause.Error()
	}
	o.logError(logging.CategoryFlow, "flow_failed", message, map[string]any{
		"runId":  run.ID,
		"flowId": flow.ID,
	})

	if sessionID != "" {
		failed := storage.SessionStatusFailed
		if err := o.store.UpdateBrowserSession(sessionID, storage.BrowserSessionUpdate{Status: &failed}); err != nil && err != storage.ErrSessionTerminal {
			o.logError(logging.CategorySession, "finalize_failed", err.Error(), map[string]any{"sessionId": sessionID})
		}
		_ = o.store.LogSessionEvent(&storage.SessionEvent{
			SessionID: sessionID,
			FlowID:    flow.ID,
			RunID:     run.ID,
			EventType: "error",
			Level:     storage.EventLevelError,
			Message:   message,
		})
	}

	if err := o.store.MarkFlowFailed(flow.ID); err != nil {
		o.logError(logging.CategoryFlow, "fail_failed", err.Error(), map[string]any{"flowId": flow.ID})
	}
	o.publish(telemetry.Event{Type: telemetry.EventFlowFailed, RunID: run.ID, FlowID: flow.ID, SessionID: sessionID})
}

// finalizeRun settles the run status from its flow outcomes. Flows still
// approved or running at this point were lost by a worker, so the run must
// not report success over them.
func (o *Orchestrator) finalizeRun(runID string) error {
	stats, err := o.store.GetFlowStats(runID)
	if err != nil {
		return fmt.Errorf("reading flow stats: %w", err)
	}

	stuck := stats.Approved + stats.Running
	if stuck > 0 {
		o.logError(logging.CategoryRun, "flows_unfinished", fmt.Sprintf("%d flows never reached a terminal state", stuck), map[string]any{
			"runId":    runID,
			"approved": stats.Approved,
			"running":  stats.Running,
		})
	}

	status := storage.RunStatusCompleted
	eventType := telemetry.EventRunCompleted
	if stats.Failed > 0 || stuck > 0 {
		status = storage.RunStatusFailed
		eventType = telemetry.EventRunFailed
		recordRunFailed()
	} else {
		recordRunCompleted()
	}

	if err := o.store.SetTestRunStatus(runID, status); err != nil {
		return fmt.Errorf("finalizing run: %w", err)
	}
	o.publish(telemetry.Event{
		Type:  eventType,
		RunID: runID,
		Data: map[string]any{
			"completed": stats.Completed,
			"failed":    stats.Failed,
		},
	})
	o.logInfo(logging.CategoryRun, "run_finished", fmt.Sprintf("run finished %s", status), map[string]any{
		"runId":     runID,
		"completed": stats.Completed,
		"failed":    stats.Failed,
	})
	return nil
}

// stepFromCloud converts a cloud task step into an execution step record.
func stepFromCloud(sessionID string, step *cloud.TaskStep) *storage.ExecutionStep {
	record := &storage.ExecutionStep{
		SessionID:   sessionID,
		StepNumber:  step.Number,
		Description: step.Goal,
		Status:      storage.StepStatusCompleted,
	}
	if len(step.Actions) > 0 {
		record.Action = step.Actions[0]
	}
	result := map[string]any{}
	if step.URL != "" {
		result["url"] = step.URL
	}
	if step.Evaluation != "" {
		result["evaluation"] = step.Evaluation
	}
	if step.ScreenshotURL != "" {
		result["screenshotUrl"] = step.ScreenshotURL
	}
	if len(result) > 0 {
		record.Result = result
	}
	return record
}

// sessionStatusFromCloud maps a cloud task status to a session status.
func sessionStatusFromCloud(status string) string {
	switch status {
	case cloud.TaskStatusFinished:
		return storage.SessionStatusCompleted
	case cloud.TaskStatusFailed:
		return storage.SessionStatusFailed
	case cloud.TaskStatusStopped:
		return storage.SessionStatusTerminated
	default:
		return storage.SessionStatusRunning
	}
}

// progressEstimate derives a rough completion percentage from step count.
// Real completion only arrives with the terminal status.
func progressEstimate(stepCount int) int {
	progress := stepCount * 10
	if progress > 90 {
		progress = 90
	}
	return progress
}

func (o *Orchestrator) publish(event telemetry.Event) {
	if o.hub != nil {
		o.hub.Publish(event)
	}
}

func (o *Orchestrator) logInfo(category logging.Category, eventType, message string, details map[string]any) {
	if o.logger != nil {
		_ = o.logger.Info(category, eventType, message, details)
	}
}

func (o *Orchestrator) logError(category logging.Category, eventType, message string, details map[string]any) {
	if o.logger != nil {
		_ = o.logger.Error(category, eventType, message, details)
	}
}
