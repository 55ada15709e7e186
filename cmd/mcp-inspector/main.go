package main

import (
	"fmt"
	"os"

	"github.com/goliatone/go-mcp-inspector/cli"
)

func main() {
	if err := cli.NewInspectorCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
