package bdb

import (
	"github.com/czh0526/walletcore/walletdb"
	"go.etcd.io/bbolt"
)

// bucket is an internal type used to represent a collection of key/value
// pairs and implements the walletdb Bucket interfaces.
type bucket bbolt.Bucket

// Enforce bucket implements the walletdb Bucket interfaces.
var _ walletdb.ReadWriteBucket = (*bucket)(nil)

func (b *bucket) NestedReadBucket(key []byte) walletdb.ReadBucket {
	return b.NestedReadWriteBucket(key)
}

// ForEach invokes f for every key/value pair in the bucket, in key order.
// Nested buckets are reported with a nil value.
func (b *bucket) ForEach(f func(k []byte, v []byte) error) error {
	return convertErr((*bbolt.Bucket)(b).ForEach(f))
}

// Get returns the value for key, or nil when it does not exist. The
// returned slice is only valid during the transaction.
func (b *bucket) Get(key []byte) []byte {
	return (*bbolt.Bucket)(b).Get(key)
}

func (b *bucket) ReadCursor() walletdb.ReadCursor {
	return b.ReadWriteCursor()
}

func (b *bucket) NestedReadWriteBucket(key []byte) walletdb.ReadWriteBucket {
	boltBucket := (*bbolt.Bucket)(b).Bucket(key)
	if boltBucket == nil {
		return nil
	}
	return (*bucket)(boltBucket)
}

func (b *bucket) CreateBucket(key []byte) (walletdb.ReadWriteBucket, error) {
	boltBucket, err := (*bbolt.Bucket)(b).CreateBucket(key)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*bucket)(boltBucket), nil
}

func (b *bucket) CreateBucketIfNotExists(key []byte) (walletdb.ReadWriteBucket, error) {
	boltBucket, err := (*bbolt.Bucket)(b).CreateBucketIfNotExists(key)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*bucket)(boltBucket), nil
}

func (b *bucket) DeleteNestedBucket(key []byte) error {
	return convertErr((*bbolt.Bucket)(b).DeleteBucket(key))
}

func (b *bucket) Put(key, value []byte) error {
	return convertErr((*bbolt.Bucket)(b).Put(key, value))
}

func (b *bucket) Delete(key []byte) error {
	return convertErr((*bbolt.Bucket)(b).Delete(key))
}

func (b *bucket) ReadWriteCursor() walletdb.ReadWriteCursor {
	return (*cursor)((*bbolt.Bucket)(b).Cursor())
}

func (b *bucket) Tx() walletdb.ReadWriteTx {
	return &transaction{
		boltTx: (*bbolt.Bucket)(b).Tx(),
	}
}

func (b *bucket) NextSequence() (uint64, error) {
	seq, err := (*bbolt.Bucket)(b).NextSequence()
	return seq, convertErr(err)
}

func (b *bucket) SetSequence(v uint64) error {
	return convertErr((*bbolt.Bucket)(b).SetSequence(v))
}

func (b *bucket) Sequence() uint64 {
	return (*bbolt.Bucket)(b).Sequence()
}

// cursor represents a cursor over key/value pairs and nested buckets of a
// bucket.
type cursor bbolt.Cursor

func (c *cursor) Delete() error {
	return convertErr((*bbolt.Cursor)(c).Delete())
}

func (c *cursor) First() (key, value []byte) {
	return (*bbolt.Cursor)(c).First()
}

func (c *cursor) Last() (key, value []byte) {
	return (*bbolt.Cursor)(c).Last()
}

func (c *cursor) Next() (key, value []byte) {
	return (*bbolt.Cursor)(c).Next()
}

func (c *cursor) Prev() (key, value []byte) {
	return (*bbolt.Cursor)(c).Prev()
}

func (c *cursor) Seek(seek []byte) (key, value []byte) {
	return (*bbolt.Cursor)(c).Seek(seek)
}
