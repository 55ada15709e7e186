package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

type DispatchStats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

type deliveryAttempt struct {
	attempts      int
	nextAttemptAt time.Time
	parked        bool
}

// OutboxDispatcher replays undelivered outbox entries to a sink with
// at-least-once delivery. Attempt bookkeeping is process-local; entries
// that exhaust MaxAttempts stay undelivered in the outbox.
type OutboxDispatcher struct {
	outbox   Outbox
	sink     ReplaySink
	config   OutboxDispatcherConfig
	now      func() time.Time
	mu       sync.Mutex
	attempts map[string]*deliveryAttempt
	telemetry
}

func NewOutboxDispatcher(
	outbox Outbox,
	sink ReplaySink,
	config OutboxDispatcherConfig,
) (*OutboxDispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("core: outbox is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("core: replay sink is required")
	}
	defaults := DefaultOutboxDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &OutboxDispatcher{
		outbox:    outbox,
		sink:      sink,
		config:    config,
		now:       systemClock,
		attempts:  map[string]*deliveryAttempt{},
		telemetry: telemetry{metrics: NopMetricsRecorder{}},
	}, nil
}

func (d *OutboxDispatcher) WithTelemetry(logger Logger, recorder MetricsRecorder) *OutboxDispatcher {
	if d == nil {
		return nil
	}
	d.logger = logger
	if recorder != nil {
		d.metrics = recorder
	}
	return d
}

func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.outbox == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	entries, err := d.outbox.ReadUndelivered(ctx, limit+d.parkedCount())
	if err != nil {
		return DispatchStats{}, err
	}

	var stats DispatchStats
	var dispatchErr error
	now := d.now()
	for _, entry := range entries {
		if stats.Claimed >= limit {
			break
		}
		if !d.due(entry.EventID, now) {
			stats.Deferred++
			continue
		}
		stats.Claimed++
		if err := d.sink.Deliver(ctx, entry); err != nil {
			if d.retry(entry.EventID, now) {
				stats.Retried++
			} else {
				stats.Failed++
			}
			d.recordCounter(ctx, MetricReplayDeliveries, 1, map[string]string{"status": "failure"})
			dispatchErr = joinErrors(dispatchErr, fmt.Errorf("core: replay of event %q failed: %w", entry.EventID, err))
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, strings.TrimSpace(entry.EventID)); err != nil {
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		d.forget(entry.EventID)
		d.recordCounter(ctx, MetricReplayDeliveries, 1, map[string]string{"status": "success"})
		stats.Delivered++
	}
	if backlog, ok := d.outbox.(OutboxBacklog); ok {
		if count, err := backlog.Backlog(ctx); err == nil {
			d.setGauge(ctx, MetricOutboxBacklog, float64(count), nil)
		}
	}
	return stats, dispatchErr
}

// Run dispatches on every tick until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context, interval time.Duration) error {
	if d == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := d.DispatchPending(ctx, 0)
			if err != nil {
				d.logError(ctx, "outbox replay failed", map[string]any{
					"error":     err.Error(),
					"delivered": stats.Delivered,
					"retried":   stats.Retried,
					"failed":    stats.Failed,
				})
			}
		}
	}
}

func (d *OutboxDispatcher) due(eventID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.attempts[eventID]
	if !ok {
		return true
	}
	if state.parked {
		return false
	}
	return !now.Before(state.nextAttemptAt)
}

// retry records a failed attempt and reports whether another one is allowed.
func (d *OutboxDispatcher) retry(eventID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.attempts[eventID]
	if !ok {
		state = &deliveryAttempt{}
		d.attempts[eventID] = state
	}
	state.attempts++
	if state.attempts >= d.config.MaxAttempts {
		state.parked = true
		return false
	}
	state.nextAttemptAt = now.Add(d.nextBackoffDelay(state.attempts))
	return true
}

func (d *OutboxDispatcher) forget(eventID string) {
	d.mu.Lock()
	delete(d.attempts, eventID)
	d.mu.Unlock()
}

func (d *OutboxDispatcher) parkedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, state := range d.attempts {
		if state.parked || state.attempts > 0 {
			count++
		}
	}
	return count
}

func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return d.config.MaxBackoff
	}
	if next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
