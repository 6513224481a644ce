package base

import (
	"fmt"
	"log"
	"os"
)

// Logger defines an interface for writing log messages. Every component in
// this module accepts a Logger rather than reaching for a package-level
// global, so callers can route read-path diagnostics into their own logging
// pipeline.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib log package.
type DefaultLogger struct{}

// Infof implements Logger.
func (DefaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Errorf implements Logger.
func (DefaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements Logger.
func (DefaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// NoopLogger discards everything. Useful in tests that don't want log spam.
type NoopLogger struct{}

// Infof implements Logger.
func (NoopLogger) Infof(string, ...interface{}) {}

// Errorf implements Logger.
func (NoopLogger) Errorf(string, ...interface{}) {}

// Fatalf implements Logger.
func (NoopLogger) Fatalf(string, ...interface{}) {}
