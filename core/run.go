package core

import (
	"encoding/json"
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCaptured   RunStatus = "captured"
	RunStatusFailed     RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCaptured || s == RunStatusFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusCaptured, RunStatusFailed:
		return true
	}
	return false
}

type RunTransition string

const (
	TransitionDispatch RunTransition = "dispatch"
	TransitionCapture  RunTransition = "capture"
	TransitionFail     RunTransition = "fail"
	TransitionReap     RunTransition = "reap"
)

const FailureReasonStuckTimeout = "stuck_timeout"

// NextStatus is the only place run edges are defined.
func NextStatus(from RunStatus, transition RunTransition) (RunStatus, error) {
	switch {
	case from == RunStatusPending && transition == TransitionDispatch:
		return RunStatusProcessing, nil
	case from == RunStatusProcessing && transition == TransitionCapture:
		return RunStatusCaptured, nil
	case from == RunStatusProcessing && (transition == TransitionFail || transition == TransitionReap):
		return RunStatusFailed, nil
	}
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s from %s: %w", ErrIllegalTransition, transition, from, ErrRunTerminal)
	}
	return from, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, transition, from)
}

type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
}

// InspectionRun is one logical operation. Fields are read-only outside this
// package; state changes go through apply.
type InspectionRun struct {
	RunID          string          `json:"run_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	Operation      Operation       `json:"operation"`
	Transport      TransportKind   `json:"transport"`
	ToolName       string          `json:"tool_name,omitempty"`
	Status         RunStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *RunError       `json:"error,omitempty"`
	StreamEvents   []StreamEvent   `json:"stream_events,omitempty"`
	Compensation   string          `json:"compensation,omitempty"`
}

// RunOutcome is what a terminal transition records. A nil Error captures.
type RunOutcome struct {
	Result       json.RawMessage
	Error        *RunError
	StreamEvents []StreamEvent
	Compensation string
}

func newInspectionRun(runID, key, externalRef string, op Operation, transport TransportKind, tool string, now time.Time) *InspectionRun {
	return &InspectionRun{
		RunID:          runID,
		IdempotencyKey: key,
		ExternalRef:    externalRef,
		Operation:      op,
		Transport:      transport,
		ToolName:       tool,
		Status:         RunStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *InspectionRun) apply(transition RunTransition, outcome RunOutcome, now time.Time) error {
	next, err := NextStatus(r.Status, transition)
	if err != nil {
		return err
	}
	r.Status = next
	r.UpdatedAt = now
	switch transition {
	case TransitionDispatch:
		at := now
		r.DispatchedAt = &at
	case TransitionCapture:
		r.Compensation = outcome.Compensation
		r.Result = cloneRaw(outcome.Result)
		r.StreamEvents = cloneStreamEvents(outcome.StreamEvents)
	case TransitionFail, TransitionReap:
		if outcome.Error != nil {
			copied := *outcome.Error
			r.Error = &copied
		}
		r.Result = cloneRaw(outcome.Result)
		r.StreamEvents = cloneStreamEvents(outcome.StreamEvents)
	}
	return nil
}

func (r *InspectionRun) FailureReason() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Reason
}

// Clone returns a deep copy safe to hand to callers.
func (r *InspectionRun) Clone() *InspectionRun {
	if r == nil {
		return nil
	}
	out := *r
	out.Result = cloneRaw(r.Result)
	out.StreamEvents = cloneStreamEvents(r.StreamEvents)
	if r.Error != nil {
		copied := *r.Error
		out.Error = &copied
	}
	if r.DispatchedAt != nil {
		at := *r.DispatchedAt
		out.DispatchedAt = &at
	}
	return &out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneStreamEvents(events []StreamEvent) []StreamEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]StreamEvent, len(events))
	for i, event := range events {
		out[i] = event
		out[i].Structured = cloneRaw(event.Structured)
		out[i].Content = cloneRaw(event.Content)
		if event.Progress != nil {
			value := *event.Progress
			out[i].Progress = &value
		}
		if event.Total != nil {
			value := *event.Total
			out[i].Total = &value
		}
	}
	return out
}
