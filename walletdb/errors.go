package walletdb

import "errors"

// Driver and database lifecycle errors.
var (
	ErrDbTypeRegistered = errors.New("database type already registered")
	ErrDbUnknownType    = errors.New("unknown database type")
	ErrDbDoesNotExist   = errors.New("database does not exist")
	ErrDbNotOpen        = errors.New("database not open")
	ErrInvalid          = errors.New("invalid database")
)

// Transaction errors.
var (
	// ErrTxClosed is returned on commit or rollback of a finished
	// transaction.
	ErrTxClosed = errors.New("tx closed")

	// ErrTxNotWritable is returned when a read-only transaction is asked
	// to write.
	ErrTxNotWritable = errors.New("tx not writable")
)

// Bucket and value errors. Stores match these with errors.Is whatever
// driver sits underneath.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNameRequired = errors.New("bucket name required")
	ErrKeyRequired        = errors.New("key required")
	ErrKeyTooLarge        = errors.New("key too large")
	ErrValueTooLarge      = errors.New("value too large")

	// ErrIncompatibleValue is returned when a bucket operation hits a
	// plain key or the other way around.
	ErrIncompatibleValue = errors.New("incompatible value")
)
