package core

import (
	"context"
	"errors"
	"time"
)

type SweepStats struct {
	Reaped    int `json:"reaped"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

type ReaperOption func(*Reaper)

func WithReaperInterval(interval time.Duration) ReaperOption {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithReaperClock(clock Clock) ReaperOption {
	return func(r *Reaper) {
		if clock != nil {
			r.now = clock
		}
	}
}

func WithReaperLogger(logger Logger) ReaperOption {
	return func(r *Reaper) {
		r.telemetry.logger = logger
	}
}

func WithReaperMetrics(recorder MetricsRecorder) ReaperOption {
	return func(r *Reaper) {
		r.telemetry.metrics = recorder
	}
}

// Reaper fails runs stuck in processing past the store TTL and retries
// outbox appends that previously failed.
type Reaper struct {
	store    *IdempotencyStore
	outbox   Outbox
	interval time.Duration
	now      Clock
	telemetry
}

func NewReaper(store *IdempotencyStore, outbox Outbox, opts ...ReaperOption) *Reaper {
	reaper := &Reaper{
		store:     store,
		outbox:    outbox,
		interval:  DefaultReaperInterval,
		now:       systemClock,
		telemetry: telemetry{metrics: NopMetricsRecorder{}},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reaper)
		}
	}
	return reaper
}

func (r *Reaper) Interval() time.Duration {
	return r.interval
}

func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if r == nil || r.store == nil || r.outbox == nil {
		return stats, nil
	}
	var errs []error

	for _, sealed := range r.store.Sealed() {
		if err := r.persist(ctx, sealed); err != nil {
			stats.Failed++
			errs = append(errs, err)
			continue
		}
		stats.Retried++
	}

	for _, sealed := range r.store.ReapExpired(r.now()) {
		stats.Reaped++
		r.recordCounter(ctx, MetricReaperTimeouts, 1, nil)
		r.logWarn(ctx, "reaped stuck run", map[string]any{
			"idempotency_key": sealed.Token.Key,
			"run_id":          sealed.Token.RunID,
			"failure_reason":  FailureReasonStuckTimeout,
		})
		if err := r.persist(ctx, sealed); err != nil {
			r.store.MarkAppendFailed(sealed.Token)
			stats.Failed++
			errs = append(errs, err)
		}
	}

	for _, token := range r.store.DropExpiredPending(r.now()) {
		stats.Abandoned++
		r.logWarn(ctx, "dropped undispatched claim", map[string]any{
			"idempotency_key": token.Key,
			"run_id":          token.RunID,
		})
	}
	return stats, errors.Join(errs...)
}

func (r *Reaper) persist(ctx context.Context, sealed SealedClaim) error {
	if err := r.outbox.Append(ctx, sealed.Entry); err != nil {
		r.logError(ctx, "outbox append failed during sweep", map[string]any{
			"event_id":   sealed.Entry.EventID,
			"event_type": string(sealed.Entry.EventType),
			"run_id":     sealed.Token.RunID,
			"error":      err.Error(),
		})
		return err
	}
	r.recordCounter(ctx, MetricOutboxWrites, 1, map[string]string{"event_type": string(sealed.Entry.EventType)})
	return r.store.Release(sealed.Token)
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if r == nil {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logError(ctx, "reaper sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
