package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

const DefaultHandshakeTimeout = 15 * time.Second

// Target addresses one MCP server. Stdio targets use Command/Args/Env/Cwd,
// network targets use URL/Headers/AuthToken.
type Target struct {
	Transport          TransportKind     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command            string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args               []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd                string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	URL                string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers            map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	AuthToken          string            `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	HandshakeTimeoutMS int64             `json:"handshake_timeout_ms,omitempty" yaml:"handshake_timeout_ms,omitempty"`
}

type TargetDescriptor struct {
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func ParseTransportKind(raw string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "http", "streamable_http", "streamable-http", "streamable":
		return TransportHTTP, nil
	}
	return "", fmt.Errorf("core: unknown transport %q", raw)
}

func (t Target) Kind() TransportKind {
	kind, err := ParseTransportKind(string(t.Transport))
	if err != nil {
		return t.Transport
	}
	return kind
}

func (t Target) HandshakeTimeout() time.Duration {
	if t.HandshakeTimeoutMS <= 0 {
		return DefaultHandshakeTimeout
	}
	return time.Duration(t.HandshakeTimeoutMS) * time.Millisecond
}

// Validate reports the first missing required field for the target kind.
// The messages are part of the probe contract.
func (t Target) Validate() error {
	switch t.Kind() {
	case TransportStdio:
		if strings.TrimSpace(t.Command) == "" {
			return NewValidationError("missing command for stdio")
		}
	case TransportSSE, TransportHTTP:
		if strings.TrimSpace(t.URL) == "" {
			return NewValidationError("missing " + string(t.Kind()) + " url")
		}
	default:
		return NewValidationError("unsupported transport " + quote(string(t.Transport)))
	}
	return nil
}

// WithDefaultCommand fills an empty stdio command from the configured default.
func (t Target) WithDefaultCommand(command string) Target {
	if t.Kind() != TransportStdio || strings.TrimSpace(t.Command) != "" {
		return t
	}
	t.Command = strings.TrimSpace(command)
	return t
}

func (t Target) Descriptor() TargetDescriptor {
	out := TargetDescriptor{Transport: string(t.Kind())}
	switch t.Kind() {
	case TransportStdio:
		out.Command = strings.TrimSpace(strings.Join(append([]string{t.Command}, t.Args...), " "))
	default:
		out.URL = t.URL
	}
	if len(t.Headers) > 0 {
		out.Headers = make(map[string]string, len(t.Headers))
		for key, value := range t.Headers {
			if isSensitiveHeader(key) {
				value = "***"
			}
			out.Headers[key] = value
		}
	}
	return out
}

// Fingerprint identifies the target endpoint; secrets are hashed in.
func (t Target) Fingerprint() string {
	hash := sha256.New()
	write := func(parts ...string) {
		for _, part := range parts {
			hash.Write([]byte(part))
			hash.Write([]byte{0})
		}
	}
	write(string(t.Kind()), t.Command, t.Cwd, t.URL, t.AuthToken)
	write(t.Args...)
	write(sortedPairs(t.Env)...)
	write(sortedPairs(t.Headers)...)
	return string(t.Kind()) + ":" + hex.EncodeToString(hash.Sum(nil))[:16]
}

func (t Target) Clone() Target {
	out := t
	out.Args = append([]string(nil), t.Args...)
	out.Env = cloneStringMap(t.Env)
	out.Headers = cloneStringMap(t.Headers)
	return out
}

func isSensitiveHeader(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "authorization", "proxy-authorization", "cookie", "x-api-key":
		return true
	}
	return false
}

func sortedPairs(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
