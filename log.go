package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/czh0526/walletcore/challenge"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/keycrypter"
	"github.com/czh0526/walletcore/rpc/rpcserver"
	"github.com/czh0526/walletcore/securestore"
	"github.com/czh0526/walletcore/swaps"
	"github.com/czh0526/walletcore/withdrawal"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("WCOR")
	keysLog = backendLog.Logger("KEYS")
	kcryLog = backendLog.Logger("KCRY")
	chalLog = backendLog.Logger("CHAL")
	storLog = backendLog.Logger("STOR")
	wdrwLog = backendLog.Logger("WDRW")
	swapLog = backendLog.Logger("SWAP")
	rpcsLog = backendLog.Logger("RPCS")
)

func init() {
	key.UseLogger(keysLog)
	keycrypter.UseLogger(kcryLog)
	challenge.UseLogger(chalLog)
	securestore.UseLogger(storLog)
	withdrawal.UseLogger(wdrwLog)
	swaps.UseLogger(swapLog)
	rpcserver.UseLogger(rpcsLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"WCOR": log,
	"KEYS": keysLog,
	"KCRY": kcryLog,
	"CHAL": chalLog,
	"STOR": storLog,
	"WDRW": wdrwLog,
	"SWAP": swapLog,
	"RPCS": rpcsLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxSizeKB int64, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, maxSizeKB, false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
