package bdb

import (
	"fmt"
	"time"

	"github.com/czh0526/walletcore/walletdb"
)

const (
	dbType = "bdb"

	// DefaultTimeout is used when the caller does not pass a timeout. It
	// bounds how long opening waits for the file lock held by another
	// process.
	DefaultTimeout = 10 * time.Second
)

// parseArgs parses the arguments from the walletdb Open/Create methods:
// a database path, a no-freelist-sync flag and an optional timeout.
func parseArgs(funcName string,
	args ...interface{}) (string, bool, time.Duration, error) {

	if len(args) != 2 && len(args) != 3 {
		return "", false, 0, fmt.Errorf("invalid arguments to %s.%s "+
			"-- expected database path, no-freelist-sync and "+
			"optional timeout", dbType, funcName)
	}

	dbPath, ok := args[0].(string)
	if !ok {
		return "", false, 0, fmt.Errorf("first argument to %s.%s is "+
			"invalid -- expected database path string", dbType,
			funcName)
	}

	noFreelistSync, ok := args[1].(bool)
	if !ok {
		return "", false, 0, fmt.Errorf("second argument to %s.%s is "+
			"invalid -- expected no-freelist-sync bool", dbType,
			funcName)
	}

	timeout := DefaultTimeout
	if len(args) == 3 {
		timeout, ok = args[2].(time.Duration)
		if !ok {
			return "", false, 0, fmt.Errorf("third argument to "+
				"%s.%s is invalid -- expected timeout "+
				"time.Duration", dbType, funcName)
		}
	}

	return dbPath, noFreelistSync, timeout, nil
}

func openDBDriver(args ...interface{}) (walletdb.DB, error) {
	dbPath, noFreelistSync, timeout, err := parseArgs("Open", args...)
	if err != nil {
		return nil, err
	}

	return openDB(dbPath, noFreelistSync, false, timeout)
}

func createDBDriver(args ...interface{}) (walletdb.DB, error) {
	dbPath, noFreelistSync, timeout, err := parseArgs("Create", args...)
	if err != nil {
		return nil, err
	}

	return openDB(dbPath, noFreelistSync, true, timeout)
}

func init() {
	driver := walletdb.Driver{
		DBType: dbType,
		Create: createDBDriver,
		Open:   openDBDriver,
	}

	if err := walletdb.RegisterDriver(driver); err != nil {
		panic(fmt.Sprintf("Failed to register database driver '%s': %v",
			dbType, err))
	}
}
