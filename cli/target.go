package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-mcp-inspector/core"
)

// targetFlags are shared by probe, list, describe and call.
type targetFlags struct {
	transport          string
	command            string
	args               []string
	env                []string
	cwd                string
	url                string
	headers            []string
	authToken          string
	handshakeTimeoutMS int64
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.transport, "transport", "stdio", "transport kind (stdio|sse|http)")
	flags.StringVar(&f.command, "command", "", "stdio server command; split shell-style when --arg is not given")
	flags.StringArrayVar(&f.args, "arg", nil, "stdio server argument (repeatable)")
	flags.StringArrayVar(&f.env, "env", nil, "stdio server environment KEY=VALUE (repeatable)")
	flags.StringVar(&f.cwd, "cwd", "", "stdio server working directory")
	flags.StringVar(&f.url, "url", "", "sse or http endpoint")
	flags.StringArrayVar(&f.headers, "header", nil, "http header KEY=VALUE (repeatable)")
	flags.StringVar(&f.authToken, "auth-token", "", "bearer token for sse and http")
	flags.Int64Var(&f.handshakeTimeoutMS, "handshake-timeout-ms", 0, "handshake timeout in milliseconds (default 15000)")
}

func (f *targetFlags) target() (core.Target, error) {
	kind, err := core.ParseTransportKind(f.transport)
	if err != nil {
		return core.Target{}, err
	}
	env, err := parsePairs("env", f.env)
	if err != nil {
		return core.Target{}, err
	}
	headers, err := parsePairs("header", f.headers)
	if err != nil {
		return core.Target{}, err
	}
	if f.handshakeTimeoutMS < 0 {
		return core.Target{}, fmt.Errorf("--handshake-timeout-ms must be >= 0")
	}
	return core.Target{
		Transport:          kind,
		Command:            strings.TrimSpace(f.command),
		Args:               f.args,
		Env:                env,
		Cwd:                strings.TrimSpace(f.cwd),
		URL:                strings.TrimSpace(f.url),
		Headers:            headers,
		AuthToken:          f.authToken,
		HandshakeTimeoutMS: f.handshakeTimeoutMS,
	}, nil
}

func parsePairs(flag string, raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--%s entry %q must be KEY=VALUE", flag, entry)
		}
		out[key] = value
	}
	return out, nil
}
