package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. The CLI mutes it in quiet mode.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf receives verbose diagnostics (per-frame, per-move detail). It is a
// no-op until the CLI enables verbose output with SetDebugLogger.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// Warnf receives recoverable problems: protocol fallbacks, dropped samples,
// unconverged searches. It stays on in quiet mode.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	log.Printf("WARNING: "+format, v...)
}

func noop(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = noop
		return
	}
	Logf = f
}

// SetDebugLogger replaces the verbose logger. Passing nil disables it.
func SetDebugLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Debugf = noop
		return
	}
	Debugf = f
}

// SetWarnLogger replaces the warning logger. Passing nil will set a no-op logger.
func SetWarnLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Warnf = noop
		return
	}
	Warnf = f
}

// Capture redirects all three loggers into one function and returns a restore
// func. Tests use it to assert on warnings.
func Capture(f func(format string, v ...interface{})) (restore func()) {
	origLog, origDebug, origWarn := Logf, Debugf, Warnf
	Logf, Debugf, Warnf = f, f, f
	return func() {
		Logf, Debugf, Warnf = origLog, origDebug, origWarn
	}
}
