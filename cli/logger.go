package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	glog "github.com/goliatone/go-logger/glog"
)

type logLevel int

const (
	levelTrace logLevel = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelOff
)

func parseLogLevel(raw string) (logLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return levelTrace, nil
	case "debug":
		return levelDebug, nil
	case "", "info":
		return levelInfo, nil
	case "warn", "warning":
		return levelWarn, nil
	case "error":
		return levelError, nil
	case "off", "none":
		return levelOff, nil
	}
	return levelOff, fmt.Errorf("invalid log level %q", raw)
}

var levelTags = map[logLevel]string{
	levelTrace: color.New(color.FgHiBlack).Sprint("TRC"),
	levelDebug: color.New(color.FgCyan).Sprint("DBG"),
	levelInfo:  color.New(color.FgGreen).Sprint("INF"),
	levelWarn:  color.New(color.FgYellow).Sprint("WRN"),
	levelError: color.New(color.FgRed).Sprint("ERR"),
}

// consoleLogger writes one key=value line per record. Stdout carries MCP
// frames in serve mode, so every binary logs to stderr.
type consoleLogger struct {
	mu    *sync.Mutex
	out   io.Writer
	level logLevel
	name  string
	now   func() time.Time
}

var (
	_ glog.Logger         = (*consoleLogger)(nil)
	_ glog.LoggerProvider = (*consoleLogger)(nil)
)

func newConsoleLogger(out io.Writer, level logLevel) *consoleLogger {
	if out == nil {
		out = os.Stderr
	}
	return &consoleLogger{mu: &sync.Mutex{}, out: out, level: level, now: time.Now}
}

func (l *consoleLogger) GetLogger(name string) glog.Logger {
	named := *l
	named.name = strings.TrimSpace(name)
	return &named
}

func (l *consoleLogger) Trace(msg string, args ...any) { l.log(levelTrace, msg, args) }
func (l *consoleLogger) Debug(msg string, args ...any) { l.log(levelDebug, msg, args) }
func (l *consoleLogger) Info(msg string, args ...any)  { l.log(levelInfo, msg, args) }
func (l *consoleLogger) Warn(msg string, args ...any)  { l.log(levelWarn, msg, args) }
func (l *consoleLogger) Error(msg string, args ...any) { l.log(levelError, msg, args) }

func (l *consoleLogger) Fatal(msg string, args ...any) {
	l.log(levelError, msg, args)
	os.Exit(ExitFailure)
}

func (l *consoleLogger) WithContext(context.Context) glog.Logger { return l }

func (l *consoleLogger) log(level logLevel, msg string, args []any) {
	if level < l.level || l.level == levelOff {
		return
	}
	var line strings.Builder
	line.WriteString(l.now().UTC().Format(time.RFC3339))
	line.WriteByte(' ')
	line.WriteString(levelTags[level])
	if l.name != "" {
		line.WriteString(" [")
		line.WriteString(l.name)
		line.WriteByte(']')
	}
	line.WriteByte(' ')
	line.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		var value any = "(missing)"
		if i+1 < len(args) {
			value = args[i+1]
		}
		fmt.Fprintf(&line, " %s=%v", key, value)
	}
	line.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line.String())
}
