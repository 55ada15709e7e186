package query

import (
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
)

const (
	TypeProbe       = "inspector.query.probe"
	TypeListTools   = "inspector.query.list_tools"
	TypeDescribe    = "inspector.query.describe"
	TypeErrorBudget = "inspector.query.error_budget"
)

// ProbeMessage does not require a stdio command; a missing command is part
// of the probe result.
type ProbeMessage struct {
	Target core.Target
}

func (ProbeMessage) Type() string { return TypeProbe }

func (m ProbeMessage) Validate() error {
	return validateTransport(m.Target)
}

type ListToolsMessage struct {
	Target core.Target
}

func (ListToolsMessage) Type() string { return TypeListTools }

func (m ListToolsMessage) Validate() error {
	return validateTransport(m.Target)
}

type DescribeMessage struct {
	Target   core.Target
	ToolName string
}

func (DescribeMessage) Type() string { return TypeDescribe }

func (m DescribeMessage) Validate() error {
	if strings.TrimSpace(m.ToolName) == "" {
		return queryValidationError("tool_name", "tool name is required")
	}
	return validateTransport(m.Target)
}

type ErrorBudgetMessage struct{}

func (ErrorBudgetMessage) Type() string { return TypeErrorBudget }

func (ErrorBudgetMessage) Validate() error { return nil }

func validateTransport(target core.Target) error {
	if _, err := core.ParseTransportKind(string(target.Transport)); err != nil {
		return queryValidationError("target.transport", "transport must be one of stdio, sse or http")
	}
	return nil
}
