package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odvcencio/testpilot/pkg/bus"
	"github.com/odvcencio/testpilot/pkg/telemetry"
)

// TelemetryBusBridge forwards telemetry events to the MessageBus so external
// consumers can observe run progress without a direct hub subscription.
type TelemetryBusBridge struct {
	telemetryHub *telemetry.Hub
	messageBus   bus.MessageBus
	eventCh      <-chan telemetry.Event
	unsubscribe  func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewTelemetryBusBridge creates a bridge from telemetry hub to message bus.
func NewTelemetryBusBridge(th *telemetry.Hub, mb bus.MessageBus) *TelemetryBusBridge {
	eventCh, unsub := th.Subscribe()
	return &TelemetryBusBridge{
		telemetryHub: th,
		messageBus:   mb,
		eventCh:      eventCh,
		unsubscribe:  unsub,
	}
}

// Start begins forwarding telemetry events to the message bus.
func (b *TelemetryBusBridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.forwardLoop(ctx)
}

// Stop ceases forwarding and cleans up subscriptions.
func (b *TelemetryBusBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.wg.Wait()
}

func (b *TelemetryBusBridge) forwardLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.eventCh:
			if !ok {
				return
			}
			b.publishEvent(ctx, event)
		}
	}
}

func (b *TelemetryBusBridge) publishEvent(ctx context.Context, event telemetry.Event) {
	subject := buildSubject(event)

	payload := map[string]any{
		"type":      string(event.Type),
		"timestamp": event.Timestamp,
	}
	if event.RunID != "" {
		payload["run_id"] = event.RunID
	}
	if event.FlowID != "" {
		payload["flow_id"] = event.FlowID
	}
	if event.SessionID != "" {
		payload["session_id"] = event.SessionID
	}
	if event.TaskID != "" {
		payload["task_id"] = event.TaskID
	}
	if event.Data != nil {
		payload["data"] = event.Data
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	_ = b.messageBus.Publish(ctx, subject, data)
}

// buildSubject scopes the subject to the run or session the event belongs to.
func buildSubject(event telemetry.Event) string {
	switch {
	case event.RunID != "":
		return bus.RunEventsSubject(event.RunID)
	case event.SessionID != "":
		return bus.SessionEventsSubject(event.SessionID)
	default:
		return bus.SubjectPrefix + ".events"
	}
}
