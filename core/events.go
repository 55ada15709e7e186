package core

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxEventType string

const (
	OutboxEventCaptured      OutboxEventType = "captured"
	OutboxEventFailed        OutboxEventType = "failed"
	OutboxEventStuckReaped   OutboxEventType = "stuck_reaped"
	OutboxEventBudgetFrozen  OutboxEventType = "error_budget_frozen"
	OutboxEventBudgetCleared OutboxEventType = "error_budget_cleared"
)

// InspectionRunEvent is the persisted snapshot of a run at its terminal
// transition.
type InspectionRunEvent struct {
	EventID           string            `json:"event_id"`
	RunID             string            `json:"run_id"`
	ToolName          string            `json:"tool_name"`
	Operation         Operation         `json:"operation"`
	State             RunStatus         `json:"state"`
	StartedAt         string            `json:"started_at"`
	DurationMS        int64             `json:"duration_ms"`
	Target            *TargetDescriptor `json:"target,omitempty"`
	Request           json.RawMessage   `json:"request,omitempty"`
	Response          json.RawMessage   `json:"response,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorKind         ErrorKind         `json:"error_kind,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
	StreamEvents      []StreamEvent     `json:"stream_events,omitempty"`
	Compensation      string            `json:"compensation,omitempty"`
}

type FreezeReport struct {
	Until       time.Time `json:"until"`
	SuccessRate float64   `json:"success_rate"`
	SampleSize  int       `json:"sample_size"`
}

type OutboxEntry struct {
	EventID        string              `json:"event_id"`
	RunID          string              `json:"run_id,omitempty"`
	EventType      OutboxEventType     `json:"event_type"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Run            *InspectionRunEvent `json:"run,omitempty"`
	Freeze         *FreezeReport       `json:"freeze,omitempty"`
	PersistedAt    time.Time           `json:"persisted_at"`
	Delivered      bool                `json:"delivered"`
}

func NewEventID() string {
	return uuid.NewString()
}

// NewRunEvent snapshots a terminal run together with its request context.
func NewRunEvent(run *InspectionRun, target Target, request json.RawMessage, now time.Time) InspectionRunEvent {
	descriptor := target.Descriptor()
	event := InspectionRunEvent{
		EventID:           NewEventID(),
		RunID:             run.RunID,
		ToolName:          run.ToolName,
		Operation:         run.Operation,
		State:             run.Status,
		StartedAt:         run.CreatedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:        now.Sub(run.CreatedAt).Milliseconds(),
		Target:            &descriptor,
		Request:           compactRaw(request),
		Response:          compactRaw(run.Result),
		IdempotencyKey:    run.IdempotencyKey,
		ExternalReference: run.ExternalRef,
		StreamEvents:      cloneStreamEvents(run.StreamEvents),
		Compensation:      run.Compensation,
	}
	if run.Error != nil {
		event.Error = run.Error.Message
		event.ErrorKind = run.Error.Kind
		event.FailureReason = run.Error.Reason
	}
	if event.DurationMS < 0 {
		event.DurationMS = 0
	}
	return event
}

func OutboxEventTypeFor(run *InspectionRun) OutboxEventType {
	switch {
	case run == nil:
		return OutboxEventFailed
	case run.Status == RunStatusCaptured:
		return OutboxEventCaptured
	case run.FailureReason() == FailureReasonStuckTimeout:
		return OutboxEventStuckReaped
	default:
		return OutboxEventFailed
	}
}

func NewRunOutboxEntry(event InspectionRunEvent, eventType OutboxEventType, now time.Time) OutboxEntry {
	return OutboxEntry{
		EventID:        event.EventID,
		RunID:          event.RunID,
		EventType:      eventType,
		IdempotencyKey: event.IdempotencyKey,
		Run:            &event,
		PersistedAt:    now.UTC(),
	}
}

func NewFreezeOutboxEntry(eventType OutboxEventType, report *FreezeReport, now time.Time) OutboxEntry {
	var freeze *FreezeReport
	if report != nil {
		copied := *report
		copied.Until = copied.Until.UTC()
		freeze = &copied
	}
	return OutboxEntry{
		EventID:     NewEventID(),
		EventType:   eventType,
		Freeze:      freeze,
		PersistedAt: now.UTC(),
	}
}

// MarshalLine encodes the entry as one JSONL record without the trailing
// newline.
func (e OutboxEntry) MarshalLine() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalOutboxEntry(line []byte) (OutboxEntry, error) {
	var entry OutboxEntry
	if err := json.Unmarshal(bytes.TrimSpace(line), &entry); err != nil {
		return OutboxEntry{}, err
	}
	return entry, nil
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return cloneRaw(raw)
	}
	return buf.Bytes()
}
