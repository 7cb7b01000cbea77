package bdb

import (
	"github.com/czh0526/walletcore/walletdb"
	"go.etcd.io/bbolt"
)

// transaction wraps a bbolt transaction. Top-level buckets are the
// namespaces stores keep their records in.
type transaction struct {
	boltTx *bbolt.Tx
}

var _ walletdb.ReadWriteTx = (*transaction)(nil)

func (tx *transaction) ForEachBucket(f func(key []byte) error) error {
	return convertErr(tx.boltTx.ForEach(
		func(name []byte, _ *bbolt.Bucket) error {
			return f(name)
		},
	))
}

// CreateTopLevelBucket returns the namespace key, creating it if needed.
func (tx *transaction) CreateTopLevelBucket(
	key []byte) (walletdb.ReadWriteBucket, error) {

	if !tx.boltTx.Writable() {
		return nil, walletdb.ErrTxNotWritable
	}

	b, err := tx.boltTx.CreateBucketIfNotExists(key)
	if err != nil {
		return nil, convertErr(err)
	}

	return (*bucket)(b), nil
}

func (tx *transaction) DeleteTopLevelBucket(key []byte) error {
	return convertErr(tx.boltTx.DeleteBucket(key))
}

func (tx *transaction) ReadBucket(key []byte) walletdb.ReadBucket {
	if b := tx.boltTx.Bucket(key); b != nil {
		return (*bucket)(b)
	}
	return nil
}

func (tx *transaction) ReadWriteBucket(key []byte) walletdb.ReadWriteBucket {
	if b := tx.boltTx.Bucket(key); b != nil {
		return (*bucket)(b)
	}
	return nil
}

func (tx *transaction) Commit() error {
	return convertErr(tx.boltTx.Commit())
}

func (tx *transaction) Rollback() error {
	return convertErr(tx.boltTx.Rollback())
}

// OnCommit runs f after a successful commit.
func (tx *transaction) OnCommit(f func()) {
	tx.boltTx.OnCommit(f)
}
