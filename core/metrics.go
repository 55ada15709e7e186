package core

import "context"

const (
	MetricInflight         = "inspector.inflight"
	MetricOutboxBacklog    = "inspector.outbox.backlog"
	MetricBudgetFrozen     = "inspector.error_budget.frozen"
	MetricLatency          = "inspector.latency_ms"
	MetricReaperTimeouts   = "inspector.reaper.timeouts_total"
	MetricLockWait         = "inspector.lock_wait_ms"
	MetricOutboxWrites     = "inspector.outbox.writes_total"
	MetricReplayDeliveries = "inspector.outbox.replay_total"
	MetricCompensations    = "inspector.compensation.total"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (NopMetricsRecorder) SetGauge(context.Context, string, float64, map[string]string) {}

func (NopMetricsRecorder) AddGauge(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
