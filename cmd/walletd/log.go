package main

import (
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/seclave/walletd/approval"
	"github.com/seclave/walletd/bridge"
	"github.com/seclave/walletd/build"
	"github.com/seclave/walletd/notifier"
	"github.com/seclave/walletd/perms"
	"github.com/seclave/walletd/statedb"
	"github.com/seclave/walletd/vault"
)

var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter)

	// wltdLog is the logger of the daemon itself.
	wltdLog = backendLog.Logger("WLTD")

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger.
	subsystemLoggers = build.SubLoggers{
		"WLTD": wltdLog,
	}
)

// genSubLogger creates a sublogger on the main log backend.
func genSubLogger(subsystem string) btclog.Logger {
	return backendLog.Logger(subsystem)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func addSubLogger(subsystem string, useLoggers ...func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, genSubLogger)
	subsystemLoggers[subsystem] = logger
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

func init() {
	addSubLogger("STDB", statedb.UseLogger)
	addSubLogger("VALT", vault.UseLogger)
	addSubLogger("PERM", perms.UseLogger)
	addSubLogger("APRV", approval.UseLogger)
	addSubLogger("NTFR", notifier.UseLogger)
	addSubLogger("BRDG", bridge.UseLogger)
}

// logManager exposes the subsystem logger map for level configuration.
type logManager struct{}

// SubLoggers returns all currently registered subsystem loggers.
func (m *logManager) SubLoggers() build.SubLoggers {
	return subsystemLoggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems.
func (m *logManager) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)
	return subsystems
}

// SetLogLevel sets the logging level for the provided subsystem.
func (m *logManager) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers.
func (m *logManager) SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		m.SetLogLevel(subsystemID, logLevel)
	}
}
