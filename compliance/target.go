package compliance

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-mcp-inspector/core"
)

const (
	caseHandshakeTimeoutMS     = 15000
	negativeHandshakeTimeoutMS = 1000
)

// Target describes the endpoints a suite run exercises. Any subset may be
// configured; cases for missing endpoints are skipped.
type Target struct {
	Name          string            `yaml:"name" json:"name,omitempty"`
	Command       string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args          []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd           string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	SSEURL        string            `yaml:"sse_url,omitempty" json:"sse_url,omitempty"`
	HTTPURL       string            `yaml:"http_url,omitempty" json:"http_url,omitempty"`
	HTTPHeaders   map[string]string `yaml:"http_headers,omitempty" json:"http_headers,omitempty"`
	HTTPAuthToken string            `yaml:"http_auth_token,omitempty" json:"http_auth_token,omitempty"`
}

func (t Target) HasStdio() bool { return strings.TrimSpace(t.Command) != "" }

func (t Target) HasSSE() bool { return strings.TrimSpace(t.SSEURL) != "" }

func (t Target) HasHTTP() bool { return strings.TrimSpace(t.HTTPURL) != "" }

func (t Target) stdio() core.Target {
	return core.Target{
		Transport:          core.TransportStdio,
		Command:            strings.TrimSpace(t.Command),
		Args:               t.Args,
		Env:                t.Env,
		Cwd:                t.Cwd,
		HandshakeTimeoutMS: caseHandshakeTimeoutMS,
	}
}

func (t Target) sse() core.Target {
	return core.Target{
		Transport:          core.TransportSSE,
		URL:                strings.TrimSpace(t.SSEURL),
		HandshakeTimeoutMS: caseHandshakeTimeoutMS,
	}
}

func (t Target) http() core.Target {
	return core.Target{
		Transport:          core.TransportHTTP,
		URL:                strings.TrimSpace(t.HTTPURL),
		Headers:            t.HTTPHeaders,
		AuthToken:          t.HTTPAuthToken,
		HandshakeTimeoutMS: caseHandshakeTimeoutMS,
	}
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a YAML fixture of the form:
//
//	targets:
//	  - name: local-mock
//	    command: mock-mcp-server
//	    sse_url: http://127.0.0.1:9100/sse
//
// Unknown fields are rejected. Unnamed targets are called target-N.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var file targetsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse targets yaml: %w", err)
	}
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("targets list is required and must be non-empty")
	}

	seen := map[string]bool{}
	for i := range file.Targets {
		target := &file.Targets[i]
		target.Name = strings.TrimSpace(target.Name)
		if target.Name == "" {
			target.Name = fmt.Sprintf("target-%d", i+1)
		}
		if seen[target.Name] {
			return nil, fmt.Errorf("duplicate target name %q", target.Name)
		}
		seen[target.Name] = true
		if !target.HasStdio() && !target.HasSSE() && !target.HasHTTP() {
			return nil, fmt.Errorf("target %q needs a command, sse_url or http_url", target.Name)
		}
	}
	return file.Targets, nil
}
