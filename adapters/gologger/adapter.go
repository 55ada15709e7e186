package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "inspector"

// ComponentName returns inspector.<component>, or the root name when the
// component is blank.
func ComponentName(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" {
		return RootName
	}
	return RootName + "." + component
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(ComponentName(component), provider, logger)
}

// ForComponent returns the named logger for a component, never nil.
func ForComponent(provider glog.LoggerProvider, component string) glog.Logger {
	if provider == nil {
		return glog.Nop()
	}
	return glog.Ensure(provider.GetLogger(ComponentName(component)))
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the replay worker logger and its go-job bridges.
func ResolveForJob(
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve("replay", provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
