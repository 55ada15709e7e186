package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// telemetry bundles the logger and metrics recorder shared by the service
// and its background workers.
type telemetry struct {
	logger  Logger
	metrics MetricsRecorder
}

func (t telemetry) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	elapsed := time.Since(startedAt)
	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	if value := strings.TrimSpace(fmt.Sprint(contextFields["transport"])); value != "" && value != "<nil>" {
		tags["transport"] = value
	}

	t.recordCounter(ctx, "inspector."+operation+".total", 1, tags)
	t.recordHistogram(ctx, MetricLatency, float64(elapsed.Microseconds())/1000, map[string]string{
		"operation": operation,
		"transport": tags["transport"],
	})

	if err != nil {
		t.logError(ctx, operation+" failed", contextFields)
		return
	}
	t.logInfo(ctx, operation+" succeeded", contextFields)
}

func (t telemetry) logInfo(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "info", message, fields)
}

func (t telemetry) logWarn(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "warn", message, fields)
}

func (t telemetry) logError(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "error", message, fields)
}

func (t telemetry) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if t.logger == nil {
		return
	}
	logger := t.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (t telemetry) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if t.metrics == nil {
		return
	}
	t.metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t telemetry) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if t.metrics == nil {
		return
	}
	t.metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t telemetry) setGauge(ctx context.Context, name string, value float64, tags map[string]string) {
	if t.metrics == nil {
		return
	}
	t.metrics.SetGauge(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t telemetry) addGauge(ctx context.Context, name string, delta float64, tags map[string]string) {
	if t.metrics == nil {
		return
	}
	t.metrics.AddGauge(ctx, strings.TrimSpace(name), delta, cloneTags(tags))
}

// lockWaitObserver reports mutex wait times as the lock_wait histogram.
func (t telemetry) lockWaitObserver() LockWaitObserver {
	return func(component string, waited time.Duration) {
		t.recordHistogram(context.Background(), MetricLockWait, float64(waited.Microseconds())/1000, map[string]string{
			"component": component,
		})
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
