package main

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/kyleo-o/psbt-sdk/descriptor"
)

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(os.Stderr)

	log     = backendLog.Logger("DADR")
	descLog = backendLog.Logger(descriptor.Subsystem)

	// subsystemLoggers maps each subsystem identifier to its logger.
	subsystemLoggers = map[string]btclog.Logger{
		"DADR":               log,
		descriptor.Subsystem: descLog,
	}
)

// Initialize package-global logger variables.
func init() {
	descriptor.UseLogger(descLog)
}

// setLogLevels sets the log level of every subsystem logger.
func setLogLevels(level btclog.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
