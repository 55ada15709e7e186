package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-mcp-inspector/core"
)

const (
	JobIDOutboxReplay = "inspector.outbox.replay"
	DedupPolicyDrop   = "drop"

	paramEventID   = "event_id"
	paramEventType = "event_type"
	paramRunID     = "run_id"
	paramEntry     = "entry"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ReplayMessage wraps an outbox entry as a go-job execution message. The
// event id doubles as the idempotency key so a queue with drop dedup keeps
// one job per event.
func ReplayMessage(entry core.OutboxEntry) (*job.ExecutionMessage, error) {
	eventID := strings.TrimSpace(entry.EventID)
	if eventID == "" {
		return nil, fmt.Errorf("gojob: outbox event id is required")
	}
	line, err := entry.MarshalLine()
	if err != nil {
		return nil, fmt.Errorf("gojob: encode outbox entry: %w", err)
	}
	return &job.ExecutionMessage{
		JobID:      JobIDOutboxReplay,
		ScriptPath: JobIDOutboxReplay,
		Parameters: map[string]any{
			paramEventID:   eventID,
			paramEventType: string(entry.EventType),
			paramRunID:     entry.RunID,
			paramEntry:     string(line),
		},
		IdempotencyKey: eventID,
		DedupPolicy:    job.DeduplicationPolicy(DedupPolicyDrop),
	}, nil
}

// EntryFromMessage decodes a message built by ReplayMessage.
func EntryFromMessage(msg *job.ExecutionMessage) (core.OutboxEntry, error) {
	if msg == nil {
		return core.OutboxEntry{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDOutboxReplay {
		return core.OutboxEntry{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	raw, ok := msg.Parameters[paramEntry].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return core.OutboxEntry{}, fmt.Errorf("gojob: replay message has no entry payload")
	}
	entry, err := core.UnmarshalOutboxEntry([]byte(raw))
	if err != nil {
		return core.OutboxEntry{}, fmt.Errorf("gojob: decode outbox entry: %w", err)
	}
	if entry.EventID == "" {
		return core.OutboxEntry{}, fmt.Errorf("gojob: replay entry has no event id")
	}
	return entry, nil
}

// ReplaySink hands outbox entries to a go-job queue.
type ReplaySink struct {
	enqueuer queue.Enqueuer
}

func NewReplaySink(enqueuer queue.Enqueuer) (*ReplaySink, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is required")
	}
	return &ReplaySink{enqueuer: enqueuer}, nil
}

func (s *ReplaySink) Deliver(ctx context.Context, entry core.OutboxEntry) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: replay sink is not configured")
	}
	msg, err := ReplayMessage(entry)
	if err != nil {
		return err
	}
	return s.enqueuer.Enqueue(ctx, msg)
}

// Consumer pulls replay jobs off a queue and forwards them to a sink.
// Undecodable messages are dead-lettered; sink failures are nacked under
// the retry policy.
type Consumer struct {
	dequeuer queue.Dequeuer
	sink     core.ReplaySink
	policy   RetryPolicy
	backoff  time.Duration
	logger   core.Logger

	mu       sync.Mutex
	attempts map[string]int
}

type ConsumerOption func(*Consumer)

func WithRetryPolicy(policy RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay >= 0 {
			c.backoff = delay
		}
	}
}

func WithConsumerLogger(logger core.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = glog.Ensure(logger)
	}
}

func NewConsumer(dequeuer queue.Dequeuer, sink core.ReplaySink, opts ...ConsumerOption) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("gojob: replay sink is required")
	}
	consumer := &Consumer{
		dequeuer: dequeuer,
		sink:     sink,
		policy:   RetryPolicy{MaxAttempts: 5, MaxDelay: 5 * time.Minute, DeadLetterOnMax: true},
		backoff:  2 * time.Second,
		logger:   glog.Nop(),
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// ProcessNext handles one delivery. A sink error is returned after the
// delivery has been nacked.
func (c *Consumer) ProcessNext(ctx context.Context) error {
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	entry, err := EntryFromMessage(delivery.Message())
	if err != nil {
		c.logger.Warn("dead-lettering unreadable replay job", "error", err.Error())
		return errors.Join(err, delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()}))
	}

	if deliverErr := c.sink.Deliver(ctx, entry); deliverErr != nil {
		attempt := c.bump(entry.EventID)
		opts := c.policy.NormalizeAttempt(queue.NackOptions{
			Delay:   c.backoff * time.Duration(attempt),
			Requeue: true,
			Reason:  deliverErr.Error(),
		}, attempt)
		if !opts.Requeue {
			c.forget(entry.EventID)
		}
		c.logger.Warn("replay job delivery failed",
			"event_id", entry.EventID,
			"attempt", attempt,
			"requeue", opts.Requeue,
			"dead_letter", opts.DeadLetter,
			"error", deliverErr.Error(),
		)
		return errors.Join(deliverErr, delivery.Nack(ctx, opts))
	}

	c.forget(entry.EventID)
	return delivery.Ack(ctx)
}

func (c *Consumer) bump(eventID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[eventID]++
	return c.attempts[eventID]
}

func (c *Consumer) forget(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, eventID)
}

// LoggingHook reports worker lifecycle events for replay jobs through the
// inspector logger and metrics recorder.
type LoggingHook struct {
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewLoggingHook(logger core.Logger, metrics core.MetricsRecorder) *LoggingHook {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &LoggingHook{logger: glog.Ensure(logger), metrics: metrics}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.logger.Debug("replay job started", eventFields(event)...)
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.logger.Debug("replay job delivered", eventFields(event)...)
	h.metrics.IncCounter(ctx, core.MetricReplayDeliveries, 1, map[string]string{"status": "delivered"})
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.logger.Error("replay job failed", eventFields(event)...)
	h.metrics.IncCounter(ctx, core.MetricReplayDeliveries, 1, map[string]string{"status": "failed"})
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.logger.Warn("replay job retrying", eventFields(event)...)
	h.metrics.IncCounter(ctx, core.MetricReplayDeliveries, 1, map[string]string{"status": "retry"})
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := []any{"attempt", event.Attempt}
	if message != nil {
		fields = append(fields, "job_id", message.JobID, "idempotency_key", message.IdempotencyKey)
		if eventType, ok := message.Parameters[paramEventType].(string); ok {
			fields = append(fields, "event_type", eventType)
		}
	}
	if event.Delay > 0 {
		fields = append(fields, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Duration > 0 {
		fields = append(fields, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

var (
	_ core.ReplaySink = (*ReplaySink)(nil)
	_ worker.Hook     = (*LoggingHook)(nil)
)
