package server

import (
	"io"
	"log"
	"os"
)

// Package-level loggers. Debug output is discarded unless enabled.
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
)

// EnableDebugLogging routes debug output to stderr.
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
