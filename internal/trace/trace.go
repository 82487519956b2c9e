// Package trace provides the leveled trace logging used throughout
// wormhole, mirroring the original C implementation's trace()/trace2()
// helpers. The level starts at 0 and is raised with IncrementLevel or
// set with SetLevel.
package trace

import (
	"log"
	"os"
)

var (
	level  = 0
	logger = log.New(os.Stderr, "", 0)
)

// IncrementLevel bumps the trace level by one. The binaries call it once
// when their boolean -debug flag is set.
func IncrementLevel() {
	level++
}

// SetLevel sets the trace level directly.
func SetLevel(l int) {
	level = l
}

// Level returns the current trace level.
func Level() int {
	return level
}

// Trace logs a level-1 trace message.
func Trace(format string, args ...interface{}) {
	if level >= 1 {
		logger.Printf(format, args...)
	}
}

// Trace2 logs a level-2 (more verbose) trace message.
func Trace2(format string, args ...interface{}) {
	if level >= 2 {
		logger.Printf(format, args...)
	}
}

// Error logs an operator-facing error line, always emitted regardless of
// trace level.
func Error(format string, args ...interface{}) {
	logger.Printf("error: "+format, args...)
}
