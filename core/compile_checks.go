package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ ReplaySink       = ReplaySinkFunc(nil)
	_ EffectComparator = CanonicalArgumentsComparator{}
	_ DryRunProbe      = DryRunProbeFunc(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
