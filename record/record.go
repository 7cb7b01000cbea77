// Package record persists values that are known by an identity chosen
// outside of the value itself. How an identity is assigned is a Strategy
// composed into the Store, so the same store serves locally sequenced,
// server identified and naturally keyed records.
package record

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/czh0526/walletcore/walletdb"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMissingIdentity is returned when a strategy cannot produce an
	// identity for a value.
	ErrMissingIdentity = errors.New("record has no identity")

	// ErrMalformedKey is returned when a stored key cannot be read back as
	// an identity of the store's strategy.
	ErrMalformedKey = errors.New("malformed record key")
)

// Identity names a record in its store.
type Identity interface {
	Key() []byte
	String() string
}

// SequenceID is an identity assigned locally in insertion order.
type SequenceID uint64

func (s SequenceID) Key() []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(s))
	return k[:]
}

func (s SequenceID) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// UUID is an identity assigned by a remote party.
type UUID uuid.UUID

func (u UUID) Key() []byte {
	return append([]byte(nil), u[:]...)
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// NaturalKey is an identity taken from a unique attribute of the value.
type NaturalKey string

func (n NaturalKey) Key() []byte {
	return []byte(n)
}

func (n NaturalKey) String() string {
	return string(n)
}

// Strategy assigns identities to values and reads them back from keys.
type Strategy[T any] interface {
	Assign(bucket walletdb.ReadWriteBucket, value T) (Identity, error)
	Parse(key []byte) (Identity, error)
}

type sequenceStrategy[T any] struct{}

// Sequence identifies each new value with the next number of the bucket's
// sequence.
func Sequence[T any]() Strategy[T] {
	return sequenceStrategy[T]{}
}

func (sequenceStrategy[T]) Assign(bucket walletdb.ReadWriteBucket, _ T) (Identity, error) {
	seq, err := bucket.NextSequence()
	if err != nil {
		return nil, err
	}
	return SequenceID(seq), nil
}

func (sequenceStrategy[T]) Parse(key []byte) (Identity, error) {
	if len(key) != 8 {
		return nil, fmt.Errorf("%w: %x", ErrMalformedKey, key)
	}
	return SequenceID(binary.BigEndian.Uint64(key)), nil
}

type externalStrategy[T any] struct {
	id func(T) fn.Option[uuid.UUID]
}

// External identifies values with the UUID a remote party gave them. Values
// without one can't be stored.
func External[T any](id func(T) fn.Option[uuid.UUID]) Strategy[T] {
	return externalStrategy[T]{id: id}
}

func (s externalStrategy[T]) Assign(_ walletdb.ReadWriteBucket, value T) (Identity, error) {
	id, err := s.id(value).UnwrapOrErr(ErrMissingIdentity)
	if err != nil {
		return nil, err
	}
	return UUID(id), nil
}

func (externalStrategy[T]) Parse(key []byte) (Identity, error) {
	id, err := uuid.FromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return UUID(id), nil
}

type naturalStrategy[T any] struct {
	key func(T) string
}

// Natural identifies values by one of their own unique attributes.
func Natural[T any](key func(T) string) Strategy[T] {
	return naturalStrategy[T]{key: key}
}

func (s naturalStrategy[T]) Assign(_ walletdb.ReadWriteBucket, value T) (Identity, error) {
	k := s.key(value)
	if k == "" {
		return nil, ErrMissingIdentity
	}
	return NaturalKey(k), nil
}

func (naturalStrategy[T]) Parse(key []byte) (Identity, error) {
	return NaturalKey(key), nil
}

// Codec turns values into bytes and back.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var value T
	err := json.Unmarshal(b, &value)
	return value, err
}

// Record is a stored value together with its identity.
type Record[T any] struct {
	ID    Identity
	Value T
}
