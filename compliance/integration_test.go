package compliance

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-mcp-inspector/core"
	"github.com/goliatone/go-mcp-inspector/mockserver"
	"github.com/goliatone/go-mcp-inspector/transport"
)

const mockModeEnv = "INSPECTOR_COMPLIANCE_TEST_SERVER"

// TestMain lets the test binary double as the stdio mock server.
func TestMain(m *testing.M) {
	if os.Getenv(mockModeEnv) == "mock" {
		_ = mockserver.New().ServeStdio(context.Background(), os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runAgainstMock(t *testing.T) Report {
	t.Helper()
	sse := httptest.NewServer(mockserver.New().SSEHandler())
	defer sse.Close()
	streamable := httptest.NewServer(mockserver.New().StreamableHandler())
	defer streamable.Close()

	cfg := core.DefaultConfig()
	cfg.Outbox.Backend = core.OutboxBackendMemory
	svc, err := core.NewService(cfg,
		core.WithTransportResolver(transport.NewDefaultRegistry(cfg.Transport, nil)),
		core.WithSchemaValidator(transport.NewSchemaValidator()),
	)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	return NewSuite(svc, WithSettleDelay(10*time.Millisecond)).Run(ctx, Target{
		Name:    "mock",
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{mockModeEnv: "mock"},
		SSEURL:  sse.URL + "/sse",
		HTTPURL: streamable.URL + "/mcp",
	})
}

func TestSuite_PassesAgainstMockServer(t *testing.T) {
	report := runAgainstMock(t)

	for _, c := range report.Cases {
		require.True(t, c.Passed, "%s: %v", c.Name, c.Detail)
	}
	require.Equal(t, CaseNames, caseNames(report))
	require.Equal(t, 1.0, report.PassRate)
	require.True(t, report.Passed())

	for _, c := range report.Cases {
		if c.Name == "list_tools" {
			require.EqualValues(t, 3, c.Detail["tool_count"])
		}
	}
}

func TestSuite_RepeatRunsAreStable(t *testing.T) {
	first := runAgainstMock(t).Normalized()
	second := runAgainstMock(t).Normalized()

	require.Equal(t, caseNames(first), caseNames(second))
	for i := range first.Cases {
		require.Equal(t, first.Cases[i].Passed, second.Cases[i].Passed, first.Cases[i].Name)
	}
	require.Equal(t, first.PassRate, second.PassRate)
}
