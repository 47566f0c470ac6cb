package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose enables or disables Verbosef output.
func SetVerbose(on bool) { verbose.Store(on) }

// Verbose reports whether Verbosef output is enabled.
func Verbose() bool { return verbose.Load() }

// Verbosef logs through Logf only when verbose output is enabled. Model
// constructors use it for the observation dump and partition summary.
func Verbosef(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
