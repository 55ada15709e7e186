package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mcp-inspector/core"
)

var (
	_ gocmd.Querier[ProbeMessage, core.ProbeResult]             = (*ProbeQuery)(nil)
	_ gocmd.Querier[ListToolsMessage, []core.ToolDescriptor]    = (*ListToolsQuery)(nil)
	_ gocmd.Querier[DescribeMessage, core.DescribeResult]       = (*DescribeQuery)(nil)
	_ gocmd.Querier[ErrorBudgetMessage, core.ErrorBudgetStatus] = (*ErrorBudgetQuery)(nil)

	_ Prober            = (*core.Service)(nil)
	_ ToolLister        = (*core.Service)(nil)
	_ Describer         = (*core.Service)(nil)
	_ ErrorBudgetReader = (*core.Service)(nil)
)
