package record

import (
	"fmt"

	"github.com/czh0526/walletcore/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Store keeps records of one type in a top level bucket.
type Store[T any] struct {
	db       walletdb.DB
	bucket   []byte
	strategy Strategy[T]
	codec    Codec[T]
}

// NewStore opens the store kept in the named bucket, creating the bucket
// if needed.
func NewStore[T any](db walletdb.DB, name string, strategy Strategy[T],
	codec Codec[T]) (*Store[T], error) {

	s := &Store[T]{
		db:       db,
		bucket:   []byte(name),
		strategy: strategy,
		codec:    codec,
	}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(s.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create %s bucket: %w", name, err)
	}

	return s, nil
}

// Put stores value under the identity its strategy assigns. Values with an
// identity already in the store replace the stored value.
func (s *Store[T]) Put(value T) (Record[T], error) {
	var rec Record[T]
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		var err error
		rec, err = s.PutTx(tx, value)
		return err
	})
	return rec, err
}

// PutTx is Put within the caller's transaction.
func (s *Store[T]) PutTx(tx walletdb.ReadWriteTx, value T) (Record[T], error) {
	bucket := tx.ReadWriteBucket(s.bucket)
	if bucket == nil {
		return Record[T]{}, walletdb.ErrBucketNotFound
	}

	id, err := s.strategy.Assign(bucket, value)
	if err != nil {
		return Record[T]{}, err
	}

	encoded, err := s.codec.Encode(value)
	if err != nil {
		return Record[T]{}, fmt.Errorf("unable to encode record %v: %w", id, err)
	}

	if err := bucket.Put(id.Key(), encoded); err != nil {
		return Record[T]{}, err
	}

	return Record[T]{ID: id, Value: value}, nil
}

// Get returns the value stored under id, if any.
func (s *Store[T]) Get(id Identity) (fn.Option[T], error) {
	result := fn.None[T]()
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(s.bucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}

		encoded := bucket.Get(id.Key())
		if encoded == nil {
			return nil
		}

		value, err := s.codec.Decode(encoded)
		if err != nil {
			return fmt.Errorf("unable to decode record %v: %w", id, err)
		}
		result = fn.Some(value)

		return nil
	})
	return result, err
}

// Delete removes the record stored under id. Deleting a missing record is
// not an error.
func (s *Store[T]) Delete(id Identity) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(s.bucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}
		return bucket.Delete(id.Key())
	})
}

// All returns every record in key order. Sequenced records come back in
// insertion order.
func (s *Store[T]) All() ([]Record[T], error) {
	var records []Record[T]
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		records = nil

		bucket := tx.ReadBucket(s.bucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			id, err := s.strategy.Parse(k)
			if err != nil {
				return err
			}
			value, err := s.codec.Decode(v)
			if err != nil {
				return fmt.Errorf("unable to decode record %v: %w", id, err)
			}
			records = append(records, Record[T]{ID: id, Value: value})
			return nil
		})
	})
	return records, err
}

// TrimTx deletes the lowest keyed records until at most keep remain.
func (s *Store[T]) TrimTx(tx walletdb.ReadWriteTx, keep int) error {
	bucket := tx.ReadWriteBucket(s.bucket)
	if bucket == nil {
		return walletdb.ErrBucketNotFound
	}

	var keys [][]byte
	err := bucket.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}

	for len(keys) > keep {
		if err := bucket.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}

	return nil
}
