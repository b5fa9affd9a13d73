// Package monitoring holds the process-wide diagnostic loggers used by the
// collector packages. Each level is a printf-style function so tests can
// capture or mute output without touching the standard logger.
package monitoring

import "log"

// Logf reports routine progress (sensor setup, accepted captures).
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf reports expected but undesirable outcomes, such as a capture that was
// rejected for temporal skew.
var Warnf func(format string, v ...interface{}) = prefixed("WARN ")

// Errorf reports failures that do not stop the process: a frame that could
// not be chained during discovery, a capture that failed, a journal write.
var Errorf func(format string, v ...interface{}) = prefixed("ERROR ")

func prefixed(level string) func(string, ...interface{}) {
	return func(format string, v ...interface{}) {
		log.Printf(level+format, v...)
	}
}

// SetLogger routes every level through f. Passing nil mutes all levels.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		noop := func(string, ...interface{}) {}
		Logf, Warnf, Errorf = noop, noop, noop
		return
	}
	Logf = f
	Warnf = func(format string, v ...interface{}) { f("WARN "+format, v...) }
	Errorf = func(format string, v ...interface{}) { f("ERROR "+format, v...) }
}

// Restore reinstates the default standard-library backed loggers.
func Restore() {
	Logf = log.Printf
	Warnf = prefixed("WARN ")
	Errorf = prefixed("ERROR ")
}
