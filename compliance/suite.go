// Package compliance runs a fixed, ordered set of checks against a target MCP
// server and scores the outcome against a pass threshold.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
)

// Inspector is the part of core.Service the suite drives.
type Inspector interface {
	Probe(ctx context.Context, target core.Target) (core.ProbeResult, error)
	ListTools(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error)
	Describe(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error)
	Call(ctx context.Context, req core.CallRequest) (core.CallResult, error)
}

var _ Inspector = (*core.Service)(nil)

const helpTool = "help"

// CaseNames lists every case in execution order.
var CaseNames = []string{
	"probe_stdio",
	"list_tools",
	"list_tools_sse",
	"list_tools_http",
	"describe_help",
	"describe_help_sse",
	"describe_help_http",
	"call_help",
	"call_help_stream",
	"call_help_sse",
	"call_help_http",
	"probe_sse",
	"probe_http",
	"negative_missing_command",
}

type Suite struct {
	inspector Inspector
	threshold float64
	settle    time.Duration
	now       func() time.Time
	logger    core.Logger
}

type Option func(*Suite)

func WithThreshold(threshold float64) Option {
	return func(s *Suite) {
		if threshold > 0 && threshold <= 1 {
			s.threshold = threshold
		}
	}
}

// WithSettleDelay sets the pause between the describe and call phases when a
// network endpoint is configured. Defaults to 200ms.
func WithSettleDelay(delay time.Duration) Option {
	return func(s *Suite) {
		if delay >= 0 {
			s.settle = delay
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Suite) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Suite) {
		s.logger = glog.Ensure(logger)
	}
}

func NewSuite(inspector Inspector, opts ...Option) *Suite {
	suite := &Suite{
		inspector: inspector,
		threshold: DefaultPassThreshold,
		settle:    200 * time.Millisecond,
		now:       time.Now,
		logger:    glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(suite)
		}
	}
	return suite
}

type caseFunc func(ctx context.Context) (bool, map[string]any)

type plannedCase struct {
	name    string
	enabled bool
	run     caseFunc
}

// Run executes the cases in order. It always returns a report; a cancelled
// context fails the remaining cases instead of aborting the run.
func (s *Suite) Run(ctx context.Context, target Target) Report {
	report := Report{
		Target:    target.Name,
		StartedAt: s.now().UTC().Format(time.RFC3339Nano),
		Threshold: s.threshold,
	}

	stdio, sse, http := target.HasStdio(), target.HasSSE(), target.HasHTTP()
	plan := []plannedCase{
		{"probe_stdio", stdio, s.probeCase(target.stdio(), true)},
		{"list_tools", stdio, s.listCase(target.stdio())},
		{"list_tools_sse", sse, s.listCase(target.sse())},
		{"list_tools_http", http, s.listCase(target.http())},
		{"describe_help", stdio, s.describeCase(target.stdio())},
		{"describe_help_sse", sse, s.describeCase(target.sse())},
		{"describe_help_http", http, s.describeCase(target.http())},
		{"call_help", stdio, s.callCase(target.stdio())},
		{"call_help_stream", stdio, s.streamCase(target.stdio())},
		{"call_help_sse", sse, s.callCase(target.sse())},
		{"call_help_http", http, s.callCase(target.http())},
		{"probe_sse", sse, s.probeCase(target.sse(), false)},
		{"probe_http", http, s.probeCase(target.http(), false)},
		{"negative_missing_command", true, s.missingCommandCase()},
	}

	settled := !(sse || http)
	for _, planned := range plan {
		if !planned.enabled {
			continue
		}
		if !settled && strings.HasPrefix(planned.name, "call_help") {
			s.settleNetwork(ctx)
			settled = true
		}
		report.Cases = append(report.Cases, s.runCase(ctx, planned.name, planned.run))
	}

	report.FinishedAt = s.now().UTC().Format(time.RFC3339Nano)
	report.PassRate = passRate(report.Cases)
	s.logger.Info("compliance run finished",
		"target", target.Name,
		"cases", len(report.Cases),
		"pass_rate", report.PassRate,
		"passed", report.Passed(),
	)
	return report
}

// settleNetwork pauses before the first call case so network servers finish
// tearing down the describe sessions.
func (s *Suite) settleNetwork(ctx context.Context) {
	if s.settle <= 0 {
		return
	}
	timer := time.NewTimer(s.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Suite) runCase(ctx context.Context, name string, run caseFunc) (result CaseResult) {
	started := time.Now()
	result.Name = name
	defer func() {
		if recovered := recover(); recovered != nil {
			result.Passed = false
			result.Detail = detail(map[string]any{"panic": fmt.Sprint(recovered)})
		}
		result.DurationMS = time.Since(started).Milliseconds()
		s.logger.Debug("compliance case finished",
			"case", name,
			"passed", result.Passed,
			"duration_ms", result.DurationMS,
		)
	}()
	if err := ctx.Err(); err != nil {
		result.Detail = detail(errorDetail(err))
		return result
	}
	passed, fields := run(ctx)
	result.Passed = passed
	if fields != nil {
		result.Detail = detail(fields)
	}
	return result
}

func (s *Suite) probeCase(target core.Target, stdio bool) caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		res, err := s.inspector.Probe(ctx, target)
		if err != nil {
			return false, errorDetail(err)
		}
		if stdio {
			return res.OK, map[string]any{
				"transport":  res.Transport,
				"version":    res.Version,
				"latency_ms": res.LatencyMS,
				"error":      res.Error,
			}
		}
		return res.OK, map[string]any{
			"url":        target.URL,
			"latency_ms": res.LatencyMS,
			"error":      res.Error,
		}
	}
}

func (s *Suite) listCase(target core.Target) caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		tools, err := s.inspector.ListTools(ctx, target)
		if err != nil {
			return false, errorDetail(err)
		}
		fields := map[string]any{"tool_count": len(tools)}
		if target.Kind() != core.TransportStdio {
			fields["url"] = target.URL
		}
		return len(tools) > 0, fields
	}
}

func (s *Suite) describeCase(target core.Target) caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		res, err := s.inspector.Describe(ctx, target, helpTool)
		if err != nil {
			return false, errorDetail(err)
		}
		return res.Tool.Name == helpTool, map[string]any{"tool": res.Tool}
	}
}

func (s *Suite) callCase(target core.Target) caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		res, err := s.inspector.Call(ctx, helpRequest(target, false))
		if err != nil {
			return false, errorDetail(err)
		}
		passed := !res.IsError && (hasJSON(res.StructuredContent) || hasContent(res.Content))
		return passed, snapshot(res)
	}
}

func (s *Suite) streamCase(target core.Target) caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		res, err := s.inspector.Call(ctx, helpRequest(target, true))
		if err != nil {
			return false, errorDetail(err)
		}
		var payload struct {
			Mode   string             `json:"mode"`
			Events []core.StreamEvent `json:"events"`
		}
		_ = json.Unmarshal(res.StructuredContent, &payload)
		finals := 0
		for _, event := range payload.Events {
			if event.Event == core.StreamEventFinal {
				finals++
			}
		}
		last := len(payload.Events) - 1
		passed := payload.Mode == "stream" && finals == 1 && last >= 0 && payload.Events[last].Event == core.StreamEventFinal
		return passed, map[string]any{
			"mode":     payload.Mode,
			"events":   payload.Events,
			"snapshot": snapshot(res),
		}
	}
}

// missingCommandCase expects the probe to refuse a stdio target without a
// command.
func (s *Suite) missingCommandCase() caseFunc {
	return func(ctx context.Context) (bool, map[string]any) {
		res, err := s.inspector.Probe(ctx, core.Target{
			Transport:          core.TransportStdio,
			HandshakeTimeoutMS: negativeHandshakeTimeoutMS,
		})
		if err != nil {
			return true, errorDetail(err)
		}
		return !res.OK, map[string]any{"expected_error": true, "response": res}
	}
}

func helpRequest(target core.Target, stream bool) core.CallRequest {
	return core.CallRequest{
		Target:    target,
		ToolName:  helpTool,
		Arguments: json.RawMessage(`{}`),
		Stream:    stream,
	}
}

func snapshot(res core.CallResult) map[string]any {
	fields := map[string]any{
		"content":  res.Content,
		"is_error": res.IsError,
	}
	if hasJSON(res.StructuredContent) {
		fields["structured_content"] = res.StructuredContent
	}
	return fields
}

func errorDetail(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func hasJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

func hasContent(raw json.RawMessage) bool {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false
	}
	return len(items) > 0
}
