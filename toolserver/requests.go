package toolserver

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
)

// TargetArgs is the flat target shape accepted by probe, list and describe.
type TargetArgs struct {
	Transport          string            `json:"transport,omitempty"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	Cwd                string            `json:"cwd,omitempty"`
	URL                string            `json:"url,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthToken          string            `json:"auth_token,omitempty"`
	HandshakeTimeoutMS int64             `json:"handshake_timeout_ms,omitempty"`
}

func (a TargetArgs) Target() (core.Target, error) {
	kind, err := core.ParseTransportKind(a.Transport)
	if err != nil {
		return core.Target{}, core.NewValidationError("unsupported transport " + quote(a.Transport))
	}
	return core.Target{
		Transport:          kind,
		Command:            strings.TrimSpace(a.Command),
		Args:               a.Args,
		Env:                a.Env,
		Cwd:                a.Cwd,
		URL:                strings.TrimSpace(a.URL),
		Headers:            a.Headers,
		AuthToken:          a.AuthToken,
		HandshakeTimeoutMS: a.HandshakeTimeoutMS,
	}, nil
}

type DescribeArgs struct {
	ToolName string `json:"tool_name"`
	TargetArgs
}

type StdioTarget struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

type NetworkTarget struct {
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthToken          string            `json:"auth_token,omitempty"`
	HandshakeTimeoutMS int64             `json:"handshake_timeout_ms,omitempty"`
}

// CallArgs picks its target from the first override present: stdio, sse,
// then http. Without any override the configured stdio command is used.
type CallArgs struct {
	ToolName       string          `json:"tool_name"`
	ArgumentsJSON  json.RawMessage `json:"arguments_json,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExternalRef    string          `json:"external_reference,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Stdio          *StdioTarget    `json:"stdio,omitempty"`
	SSE            *NetworkTarget  `json:"sse,omitempty"`
	HTTP           *NetworkTarget  `json:"http,omitempty"`
}

func (a CallArgs) Request() core.CallRequest {
	req := core.CallRequest{
		Target:         core.Target{Transport: core.TransportStdio},
		ToolName:       strings.TrimSpace(a.ToolName),
		Arguments:      a.ArgumentsJSON,
		IdempotencyKey: strings.TrimSpace(a.IdempotencyKey),
		ExternalRef:    strings.TrimSpace(a.ExternalRef),
		Stream:         a.Stream,
	}
	switch {
	case a.Stdio != nil:
		req.Target = core.Target{
			Transport: core.TransportStdio,
			Command:   strings.TrimSpace(a.Stdio.Command),
			Args:      a.Stdio.Args,
			Env:       a.Stdio.Env,
			Cwd:       a.Stdio.Cwd,
		}
	case a.SSE != nil:
		req.Target = a.SSE.target(core.TransportSSE)
	case a.HTTP != nil:
		req.Target = a.HTTP.target(core.TransportHTTP)
	}
	return req
}

func (t NetworkTarget) target(kind core.TransportKind) core.Target {
	return core.Target{
		Transport:          kind,
		URL:                strings.TrimSpace(t.URL),
		Headers:            t.Headers,
		AuthToken:          t.AuthToken,
		HandshakeTimeoutMS: t.HandshakeTimeoutMS,
	}
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return core.NewValidationError("invalid arguments: " + err.Error())
	}
	return nil
}

func quote(value string) string {
	return `"` + value + `"`
}
