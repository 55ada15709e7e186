package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-mcp-inspector/adapters/gologger"
	"github.com/goliatone/go-mcp-inspector/compliance"
)

type complianceFlags struct {
	configPath    string
	logLevel      string
	outbox        string
	targetsPath   string
	threshold     float64
	settle        time.Duration
	command       string
	args          []string
	env           []string
	cwd           string
	sseURL        string
	httpURL       string
	httpHeaders   []string
	httpAuthToken string
	outputJSON    string
	outputMD      string
}

// NewComplianceCommand builds mcp-compliance. It prints the report JSON to
// stdout and exits 1 when any target scores below the pass threshold.
func NewComplianceCommand() *cobra.Command {
	flags := &complianceFlags{}
	cmd := &cobra.Command{
		Use:           "mcp-compliance",
		Short:         "Run the MCP compliance suite against a server",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompliance(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "TOML config file")
	f.StringVar(&flags.logLevel, "log-level", "warn", "log level (trace|debug|info|warn|error|off)")
	f.StringVar(&flags.outbox, "outbox", "memory", "outbox backend for suite calls (file|memory|sqlite|postgres)")
	f.StringVar(&flags.targetsPath, "targets", "", "YAML file listing targets to run")
	f.Float64Var(&flags.threshold, "threshold", 0, "pass threshold in (0,1]; defaults to compliance.pass_threshold")
	f.DurationVar(&flags.settle, "settle", 200*time.Millisecond, "pause before call cases when a network endpoint is set")
	f.StringVar(&flags.command, "command", "", "stdio server command")
	f.StringArrayVar(&flags.args, "args", nil, "stdio server argument (repeatable)")
	f.StringArrayVar(&flags.env, "env", nil, "stdio server environment KEY=VALUE (repeatable)")
	f.StringVar(&flags.cwd, "cwd", "", "stdio server working directory")
	f.StringVar(&flags.sseURL, "sse-url", "", "sse endpoint")
	f.StringVar(&flags.httpURL, "http-url", "", "streamable http endpoint")
	f.StringArrayVar(&flags.httpHeaders, "http-header", nil, "http header KEY=VALUE (repeatable)")
	f.StringVar(&flags.httpAuthToken, "http-auth-token", "", "bearer token for the http endpoint")
	f.StringVar(&flags.outputJSON, "output-json", "", "write the JSON report to this path")
	f.StringVar(&flags.outputMD, "output-md", "", "write the markdown report to this path")
	return cmd
}

func (f *complianceFlags) targets() ([]compliance.Target, error) {
	if path := strings.TrimSpace(f.targetsPath); path != "" {
		return compliance.LoadTargets(path)
	}
	env, err := parsePairs("env", f.env)
	if err != nil {
		return nil, err
	}
	headers, err := parsePairs("http-header", f.httpHeaders)
	if err != nil {
		return nil, err
	}
	target := compliance.Target{
		Name:          "cli",
		Command:       strings.TrimSpace(f.command),
		Args:          f.args,
		Env:           env,
		Cwd:           strings.TrimSpace(f.cwd),
		SSEURL:        strings.TrimSpace(f.sseURL),
		HTTPURL:       strings.TrimSpace(f.httpURL),
		HTTPHeaders:   headers,
		HTTPAuthToken: f.httpAuthToken,
	}
	if !target.HasStdio() && !target.HasSSE() && !target.HasHTTP() {
		return nil, fmt.Errorf("one of --command, --sse-url, --http-url or --targets is required")
	}
	return []compliance.Target{target}, nil
}

func runCompliance(cmd *cobra.Command, flags *complianceFlags) error {
	if flags.threshold < 0 || flags.threshold > 1 {
		return NewExitError(ExitCommandError, "--threshold must be within (0,1]")
	}
	targets, err := flags.targets()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid targets", err)
	}
	level, err := parseLogLevel(flags.logLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --log-level", err)
	}

	ctx := cmd.Context()
	rt, err := NewRuntime(ctx, RuntimeOptions{
		ConfigPath:     flags.configPath,
		LoggerProvider: newConsoleLogger(cmd.ErrOrStderr(), level),
		OutboxBackend:  flags.outbox,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	threshold := flags.threshold
	if threshold == 0 {
		threshold = rt.Config.Compliance.PassThreshold
	}
	suite := compliance.NewSuite(rt.Facade,
		compliance.WithThreshold(threshold),
		compliance.WithSettleDelay(flags.settle),
		compliance.WithLogger(gologger.ForComponent(rt.Service.LoggerProvider(), "compliance")),
	)

	reports := make([]compliance.Report, 0, len(targets))
	for _, target := range targets {
		report := suite.Run(ctx, target)
		reports = append(reports, report)
		statusLine(cmd.ErrOrStderr(), report.Passed(), "%s pass rate %.2f%% (%d cases)", target.Name, report.PassRate*100, len(report.Cases))
	}
	return emitReports(cmd, flags, reports)
}

func emitReports(cmd *cobra.Command, flags *complianceFlags, reports []compliance.Report) error {
	var payload any = reports
	if len(reports) == 1 {
		payload = reports[0]
	}
	if err := writeJSON(cmd.OutOrStdout(), payload); err != nil {
		return err
	}
	if path := strings.TrimSpace(flags.outputJSON); path != "" {
		if err := writeJSONFile(path, payload); err != nil {
			return WrapExitError(ExitCommandError, "write json report", err)
		}
	}
	if path := strings.TrimSpace(flags.outputMD); path != "" {
		if err := os.WriteFile(path, []byte(markdownReports(reports)), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "write markdown report", err)
		}
	}
	for _, report := range reports {
		if !report.Passed() {
			return NewExitError(ExitFailure, fmt.Sprintf("target %s below pass threshold", report.Target))
		}
	}
	return nil
}

func markdownReports(reports []compliance.Report) string {
	if len(reports) == 1 {
		return reports[0].Markdown() + "\n"
	}
	var md strings.Builder
	for i, report := range reports {
		if i > 0 {
			md.WriteString("\n")
		}
		fmt.Fprintf(&md, "## %s\n\n%s\n", report.Target, report.Markdown())
	}
	return md.String()
}

func writeJSONFile(path string, value any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSON(file, value); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
