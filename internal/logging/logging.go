// Package logging constructs the process-wide structured logger.
package logging

import (
	"os"

	kitlog "github.com/go-kit/kit/log"
)

// New builds a structured logger writing to stderr, decorated with a
// timestamp and caller, matching the shape used across fluxcd-flux's
// go-kit consumers.
func New() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
	return logger
}

// With attaches static key-value pairs to a logger for a component.
func With(logger kitlog.Logger, keyvals ...interface{}) kitlog.Logger {
	return kitlog.With(logger, keyvals...)
}
