// Package walletdb provides the namespaced key/value store the wallet core
// persists its byte records in. Backends register themselves as drivers;
// importing walletdb/bdb registers the bbolt backed "bdb" driver.
package walletdb

import (
	"errors"
	"io"
)

// Driver defines a structure for backend drivers to use when they
// registered themselves as a backend which implements the DB interface.
type Driver struct {
	// DBType is the identifier used to uniquely identify a specific
	// database driver.
	DBType string

	// Create is the function that will be invoked with all user-specified
	// arguments to create the database.
	Create func(args ...interface{}) (DB, error)

	// Open is the function that will be invoked with all user-specified
	// arguments to open the database.
	Open func(args ...interface{}) (DB, error)
}

// DB represents an ACID database. All database access is performed through
// read or read+write transactions.
type DB interface {
	BeginReadTx() (ReadTx, error)
	BeginReadWriteTx() (ReadWriteTx, error)
	Copy(w io.Writer) error
	Close() error
	PrintStats() string

	// View opens a read-only transaction and runs f. reset is called
	// before f and may be called again if the backend retries.
	View(f func(tx ReadTx) error, reset func()) error

	// Update opens a read-write transaction and runs f, committing only
	// when f succeeds.
	Update(f func(tx ReadWriteTx) error, reset func()) error
}

type ReadTx interface {
	ReadBucket(key []byte) ReadBucket
	ForEachBucket(func(key []byte) error) error
	Rollback() error
}

type ReadWriteTx interface {
	ReadTx

	ReadWriteBucket(key []byte) ReadWriteBucket
	CreateTopLevelBucket(key []byte) (ReadWriteBucket, error)
	DeleteTopLevelBucket(key []byte) error

	Commit() error
	OnCommit(func())
}

type ReadBucket interface {
	NestedReadBucket(key []byte) ReadBucket
	ForEach(func(k, v []byte) error) error
	Get(key []byte) []byte
	ReadCursor() ReadCursor
}

type ReadWriteBucket interface {
	ReadBucket

	NestedReadWriteBucket(key []byte) ReadWriteBucket
	CreateBucket(key []byte) (ReadWriteBucket, error)
	CreateBucketIfNotExists(key []byte) (ReadWriteBucket, error)
	DeleteNestedBucket(key []byte) error
	Put(key, value []byte) error
	Delete(key []byte) error
	ReadWriteCursor() ReadWriteCursor
	Tx() ReadWriteTx
	NextSequence() (uint64, error)
	SetSequence(v uint64) error
	Sequence() uint64
}

type ReadCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
}

type ReadWriteCursor interface {
	ReadCursor

	Delete() error
}

// Create initializes and opens a database for the specified type. The
// arguments are specific to the database type driver.
func Create(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Create(args...)
}

// Open opens an existing database for the specified type.
func Open(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Open(args...)
}

// OpenOrCreate opens the database, creating it first when it does not
// exist yet.
func OpenOrCreate(dbType string, args ...interface{}) (DB, error) {
	db, err := Open(dbType, args...)
	if errors.Is(err, ErrDbDoesNotExist) {
		return Create(dbType, args...)
	}
	return db, err
}

// View runs f in a read-only transaction.
func View(db DB, f func(tx ReadTx) error) error {
	return db.View(f, func() {})
}

// Update runs f in a read-write transaction.
func Update(db DB, f func(tx ReadWriteTx) error) error {
	return db.Update(f, func() {})
}

var drivers = make(map[string]*Driver)

// RegisterDriver adds a backend database driver to available interfaces.
// ErrDbTypeRegistered will be returned if the database type for the driver
// has already been registered.
func RegisterDriver(driver Driver) error {
	if _, exists := drivers[driver.DBType]; exists {
		return ErrDbTypeRegistered
	}

	drivers[driver.DBType] = &driver
	return nil
}

// SupportedDrivers returns the registered driver types.
func SupportedDrivers() []string {
	types := make([]string, 0, len(drivers))
	for dbType := range drivers {
		types = append(types, dbType)
	}
	return types
}
