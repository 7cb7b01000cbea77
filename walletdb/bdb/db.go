package bdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/czh0526/walletcore/walletdb"
	"go.etcd.io/bbolt"
)

// db represents a collection of namespaces which are persisted and
// implements the walletdb.DB interface.
type db bbolt.DB

var _ walletdb.DB = (*db)(nil)

func (db *db) beginTx(writable bool) (*transaction, error) {
	boltTx, err := (*bbolt.DB)(db).Begin(writable)
	if err != nil {
		return nil, convertErr(err)
	}
	return &transaction{boltTx: boltTx}, nil
}

func (db *db) BeginReadTx() (walletdb.ReadTx, error) {
	return db.beginTx(false)
}

func (db *db) BeginReadWriteTx() (walletdb.ReadWriteTx, error) {
	return db.beginTx(true)
}

// Copy writes a consistent copy of the database to w.
func (db *db) Copy(w io.Writer) error {
	return convertErr((*bbolt.DB)(db).View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	}))
}

func (db *db) Close() error {
	return convertErr((*bbolt.DB)(db).Close())
}

func (db *db) PrintStats() string {
	stats := (*bbolt.DB)(db).Stats()
	return fmt.Sprintf("free_pages=%d pending_pages=%d free_alloc=%d "+
		"tx_count=%d open_tx=%d", stats.FreePageN, stats.PendingPageN,
		stats.FreeAlloc, stats.TxN, stats.OpenTxN)
}

// View opens a read-only transaction and runs f in it. The transaction is
// always rolled back.
func (db *db) View(f func(tx walletdb.ReadTx) error, reset func()) error {
	reset()

	tx, err := db.BeginReadTx()
	if err != nil {
		return err
	}

	err = f(tx)
	rollbackErr := tx.Rollback()
	if err != nil {
		return err
	}

	return rollbackErr
}

// Update opens a read-write transaction and runs f in it. The transaction
// is committed when f succeeds and rolled back otherwise, so a failing f
// never leaves partial writes behind.
func (db *db) Update(f func(tx walletdb.ReadWriteTx) error, reset func()) error {
	reset()

	tx, err := db.BeginReadWriteTx()
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func openDB(dbPath string, noFreelistSync bool, create bool, timeout time.Duration) (walletdb.DB, error) {
	if !create && !fileExists(dbPath) {
		return nil, walletdb.ErrDbDoesNotExist
	}

	options := &bbolt.Options{
		NoFreelistSync: noFreelistSync,
		FreelistType:   bbolt.FreelistMapType,
		Timeout:        timeout,
	}

	boltDB, err := bbolt.Open(dbPath, 0600, options)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*db)(boltDB), nil
}

func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// boltErrors maps bbolt errors to their walletdb counterparts.
var boltErrors = []struct {
	bolt, wdb error
}{
	{bbolt.ErrDatabaseNotOpen, walletdb.ErrDbNotOpen},
	{bbolt.ErrInvalid, walletdb.ErrInvalid},
	{bbolt.ErrTxNotWritable, walletdb.ErrTxNotWritable},
	{bbolt.ErrTxClosed, walletdb.ErrTxClosed},
	{bbolt.ErrBucketNotFound, walletdb.ErrBucketNotFound},
	{bbolt.ErrBucketExists, walletdb.ErrBucketExists},
	{bbolt.ErrBucketNameRequired, walletdb.ErrBucketNameRequired},
	{bbolt.ErrKeyRequired, walletdb.ErrKeyRequired},
	{bbolt.ErrKeyTooLarge, walletdb.ErrKeyTooLarge},
	{bbolt.ErrValueTooLarge, walletdb.ErrValueTooLarge},
	{bbolt.ErrIncompatibleValue, walletdb.ErrIncompatibleValue},
}

// convertErr returns the walletdb error for a bbolt error, or err itself
// when it has none.
func convertErr(err error) error {
	if err == nil {
		return nil
	}

	for _, e := range boltErrors {
		if errors.Is(err, e.bolt) {
			return e.wdb
		}
	}

	return err
}
