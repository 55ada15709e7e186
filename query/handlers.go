package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
)

type Prober interface {
	Probe(ctx context.Context, target core.Target) (core.ProbeResult, error)
}

type ToolLister interface {
	ListTools(ctx context.Context, target core.Target) ([]core.ToolDescriptor, error)
}

type Describer interface {
	Describe(ctx context.Context, target core.Target, toolName string) (core.DescribeResult, error)
}

type ErrorBudgetReader interface {
	ErrorBudgetStatus(ctx context.Context) core.ErrorBudgetStatus
}

type ProbeQuery struct {
	prober Prober
}

func NewProbeQuery(prober Prober) *ProbeQuery {
	return &ProbeQuery{prober: prober}
}

func (q *ProbeQuery) Query(ctx context.Context, msg ProbeMessage) (core.ProbeResult, error) {
	if q == nil || q.prober == nil {
		return core.ProbeResult{}, queryDependencyError("query: prober is required")
	}
	return q.prober.Probe(ctx, msg.Target)
}

type ListToolsQuery struct {
	lister ToolLister
}

func NewListToolsQuery(lister ToolLister) *ListToolsQuery {
	return &ListToolsQuery{lister: lister}
}

func (q *ListToolsQuery) Query(ctx context.Context, msg ListToolsMessage) ([]core.ToolDescriptor, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: tool lister is required")
	}
	return q.lister.ListTools(ctx, msg.Target)
}

type DescribeQuery struct {
	describer Describer
}

func NewDescribeQuery(describer Describer) *DescribeQuery {
	return &DescribeQuery{describer: describer}
}

func (q *DescribeQuery) Query(ctx context.Context, msg DescribeMessage) (core.DescribeResult, error) {
	if q == nil || q.describer == nil {
		return core.DescribeResult{}, queryDependencyError("query: describer is required")
	}
	return q.describer.Describe(ctx, msg.Target, strings.TrimSpace(msg.ToolName))
}

type ErrorBudgetQuery struct {
	reader ErrorBudgetReader
}

func NewErrorBudgetQuery(reader ErrorBudgetReader) *ErrorBudgetQuery {
	return &ErrorBudgetQuery{reader: reader}
}

func (q *ErrorBudgetQuery) Query(ctx context.Context, _ ErrorBudgetMessage) (core.ErrorBudgetStatus, error) {
	if q == nil || q.reader == nil {
		return core.ErrorBudgetStatus{}, queryDependencyError("query: error budget reader is required")
	}
	return q.reader.ErrorBudgetStatus(ctx), nil
}
