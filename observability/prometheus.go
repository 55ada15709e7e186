// Package observability exports core metrics through prometheus.
package observability

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_inspector"

var latencyBuckets = prometheus.ExponentialBuckets(1, 2, 16)

// PrometheusRecorder creates collectors on first use. The label set of a
// metric is fixed by its first observation; later tags outside that set
// are dropped and missing ones are recorded empty.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

func NewPrometheusRecorder(registry *prometheus.Registry) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusRecorder{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		labels:     map[string][]string{},
	}
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's registry in the prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if value < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	metric := MetricName(name)
	vec, ok := r.counters[metric]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric,
			Help: "Counter " + strings.TrimSpace(name) + ".",
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			return
		}
		r.counters[metric] = vec
	}
	vec.WithLabelValues(r.labelValues(metric, tags)...).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	metric := MetricName(name)
	vec, ok := r.histograms[metric]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric,
			Help:    "Histogram " + strings.TrimSpace(name) + ".",
			Buckets: latencyBuckets,
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			return
		}
		r.histograms[metric] = vec
	}
	vec.WithLabelValues(r.labelValues(metric, tags)...).Observe(value)
}

func (r *PrometheusRecorder) SetGauge(_ context.Context, name string, value float64, tags map[string]string) {
	if gauge := r.gauge(name, tags); gauge != nil {
		gauge.Set(value)
	}
}

func (r *PrometheusRecorder) AddGauge(_ context.Context, name string, delta float64, tags map[string]string) {
	if gauge := r.gauge(name, tags); gauge != nil {
		gauge.Add(delta)
	}
}

func (r *PrometheusRecorder) gauge(name string, tags map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	metric := MetricName(name)
	vec, ok := r.gauges[metric]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metric,
			Help: "Gauge " + strings.TrimSpace(name) + ".",
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			return nil
		}
		r.gauges[metric] = vec
	}
	return vec.WithLabelValues(r.labelValues(metric, tags)...)
}

// register fails when the same name is already used by another metric type.
func (r *PrometheusRecorder) register(collector prometheus.Collector) bool {
	return r.registry.Register(collector) == nil
}

func (r *PrometheusRecorder) labelNames(metric string, tags map[string]string) []string {
	if names, ok := r.labels[metric]; ok {
		return names
	}
	names := make([]string, 0, len(tags))
	for key := range tags {
		if label := sanitize(key); label != "" {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	names = dedupe(names)
	r.labels[metric] = names
	return names
}

func (r *PrometheusRecorder) labelValues(metric string, tags map[string]string) []string {
	names := r.labels[metric]
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[sanitize(key)] = value
	}
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = byLabel[name]
	}
	return values
}

// MetricName maps inspector.outbox.backlog to mcp_inspector_outbox_backlog.
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "inspector.")
	sanitized := sanitize(name)
	if sanitized == "" {
		return namespace
	}
	return namespace + "_" + sanitized
}

func sanitize(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, value := range sorted {
		if i > 0 && value == sorted[i-1] {
			continue
		}
		out = append(out, value)
	}
	return out
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)
