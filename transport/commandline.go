package transport

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goliatone/go-mcp-inspector/core"
	shellwords "github.com/mattn/go-shellwords"
)

// CommandLine resolves the argv of a stdio target. A command given without
// args is split shell-style, so quoted arguments survive.
func CommandLine(target core.Target) ([]string, error) {
	command := strings.TrimSpace(target.Command)
	if command == "" {
		return nil, core.NewValidationError("missing command for stdio")
	}
	if len(target.Args) > 0 {
		return append([]string{command}, target.Args...), nil
	}

	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false
	words, err := parser.Parse(command)
	if err != nil {
		return nil, core.NewValidationError("invalid stdio command " + strconv.Quote(command) + ": " + err.Error())
	}
	if len(words) == 0 {
		return nil, core.NewValidationError("missing command for stdio")
	}
	return words, nil
}

// environ appends the target env to base in a stable order.
func environ(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, key := range keys {
		out = append(out, key+"="+extra[key])
	}
	return out
}
