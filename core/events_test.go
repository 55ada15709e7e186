package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewRunEvent_SnapshotsRun(t *testing.T) {
	now := newManualClock().Now()
	run := newInspectionRun("run_1", "key_1", "order-1", OperationCall, TransportStdio, "echo", now)
	_ = run.apply(TransitionDispatch, RunOutcome{}, now)
	_ = run.apply(TransitionCapture, RunOutcome{Result: json.RawMessage("{ \"ok\" : true }")}, now.Add(1500*time.Millisecond))

	target := Target{
		Transport: TransportHTTP,
		URL:       "https://mcp.example/mcp",
		Headers:   map[string]string{"Authorization": "Bearer secret", "X-Trace": "abc"},
	}
	event := NewRunEvent(run, target, json.RawMessage(`{"name":"echo"}`), now.Add(1500*time.Millisecond))
	if event.DurationMS != 1500 {
		t.Fatalf("expected 1500ms duration, got %d", event.DurationMS)
	}
	if string(event.Response) != `{"ok":true}` {
		t.Fatalf("expected compacted response, got %s", event.Response)
	}
	if event.Target.Headers["Authorization"] != "***" || event.Target.Headers["X-Trace"] != "abc" {
		t.Fatalf("expected redacted authorization header, got %v", event.Target.Headers)
	}
	if event.ExternalReference != "order-1" || event.State != RunStatusCaptured {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestOutboxEntry_LineRoundTrip(t *testing.T) {
	now := newManualClock().Now()
	report := FreezeReport{Until: now.Add(time.Minute), SuccessRate: 0.5, SampleSize: 10}
	entry := NewFreezeOutboxEntry(OutboxEventBudgetFrozen, &report, now)

	line, err := entry.MarshalLine()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(line), "\n") {
		t.Fatalf("expected single line record")
	}
	decoded, err := UnmarshalOutboxEntry(append(line, '\n'))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.EventID != entry.EventID || decoded.EventType != OutboxEventBudgetFrozen {
		t.Fatalf("unexpected decoded entry: %+v", decoded)
	}
	if decoded.Freeze == nil || !decoded.Freeze.Until.Equal(report.Until) {
		t.Fatalf("expected freeze report to survive, got %+v", decoded.Freeze)
	}
}

func TestOutboxEventTypeFor(t *testing.T) {
	captured := &InspectionRun{Status: RunStatusCaptured}
	failed := &InspectionRun{Status: RunStatusFailed, Error: &RunError{Kind: ErrorKindTransport}}
	reaped := &InspectionRun{Status: RunStatusFailed, Error: &RunError{Kind: ErrorKindTimeout, Reason: FailureReasonStuckTimeout}}
	if OutboxEventTypeFor(captured) != OutboxEventCaptured ||
		OutboxEventTypeFor(failed) != OutboxEventFailed ||
		OutboxEventTypeFor(reaped) != OutboxEventStuckReaped {
		t.Fatalf("unexpected event type mapping")
	}
}
