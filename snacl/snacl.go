package snacl

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"runtime/debug"

	"github.com/czh0526/walletcore/internal/zero"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	KeySize   = 32
	NonceSize = 24

	// Overhead is the number of bytes a sealed box adds to its plaintext.
	Overhead = secretbox.Overhead

	marshalledSize = KeySize + sha256.Size + 24
)

var (
	prng = rand.Reader
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrMalformed       = errors.New("malformed data")
	ErrDecryptFailed   = errors.New("unable to decrypt")
)

// ScryptOptions are the cost parameters used to stretch a password.
type ScryptOptions struct {
	N, R, P int
}

var (
	// DefaultScryptOptions is meant for secrets that are unlocked rarely.
	DefaultScryptOptions = ScryptOptions{
		N: 262144, // 2^18
		R: 8,
		P: 1,
	}

	// FastScryptOptions trade strength for speed and must only be used
	// in tests.
	FastScryptOptions = ScryptOptions{
		N: 16,
		R: 8,
		P: 1,
	}
)

type CryptoKey [KeySize]byte

// Encrypt seals in under a fresh random nonce and returns nonce || box.
func (ck *CryptoKey) Encrypt(in []byte) ([]byte, error) {
	nonce, box, err := ck.EncryptDetached(in)
	if err != nil {
		return nil, err
	}
	return append(nonce, box...), nil
}

// EncryptDetached seals in under a fresh random nonce and returns the
// nonce and the box separately, for formats that store them apart.
func (ck *CryptoKey) EncryptDetached(in []byte) ([]byte, []byte, error) {
	var nonce [NonceSize]byte
	_, err := io.ReadFull(prng, nonce[:])
	if err != nil {
		return nil, nil, err
	}
	box := secretbox.Seal(nil, in, &nonce, (*[KeySize]byte)(ck))
	return nonce[:], box, nil
}

// Decrypt opens a nonce || box blob produced by Encrypt.
func (ck *CryptoKey) Decrypt(in []byte) ([]byte, error) {
	if len(in) < NonceSize {
		return nil, ErrMalformed
	}
	return ck.DecryptDetached(in[:NonceSize], in[NonceSize:])
}

// DecryptDetached opens a box given the nonce it was sealed with.
func (ck *CryptoKey) DecryptDetached(nonce, box []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(box) < Overhead {
		return nil, ErrMalformed
	}

	var n [NonceSize]byte
	copy(n[:], nonce)

	opened, ok := secretbox.Open(nil, box, &n, (*[KeySize]byte)(ck))
	if !ok {
		return nil, ErrDecryptFailed
	}

	return opened, nil
}

func (ck *CryptoKey) Zero() {
	zero.Bytea32((*[KeySize]byte)(ck))
}

func GenerateCryptoKey() (*CryptoKey, error) {
	var key CryptoKey
	_, err := io.ReadFull(prng, key[:])
	if err != nil {
		return nil, err
	}

	return &key, nil
}

// DeriveCryptoKey stretches password with scrypt into a key. Unlike
// SecretKey it keeps no digest, so a wrong password is only noticed when a
// box fails to open.
func DeriveCryptoKey(password, salt []byte, opts ScryptOptions) (*CryptoKey, error) {
	derived, err := scrypt.Key(password, salt, opts.N, opts.R, opts.P, KeySize)
	if err != nil {
		return nil, err
	}

	var key CryptoKey
	copy(key[:], derived)
	zero.Bytes(derived)

	return &key, nil
}

type Parameters struct {
	Salt   [KeySize]byte
	Digest [sha256.Size]byte
	N      int
	R      int
	P      int
}

type SecretKey struct {
	Key        *CryptoKey
	Parameters Parameters
}

func (sk *SecretKey) Encrypt(in []byte) ([]byte, error) {
	return sk.Key.Encrypt(in)
}

func (sk *SecretKey) Decrypt(in []byte) ([]byte, error) {
	return sk.Key.Decrypt(in)
}

// Marshal serializes the parameters needed to derive the key again. The
// key itself is never serialized.
func (sk *SecretKey) Marshal() []byte {
	params := &sk.Parameters

	marshalled := make([]byte, marshalledSize)

	b := marshalled
	copy(b[:KeySize], params.Salt[:])
	b = b[KeySize:]
	copy(b[:sha256.Size], params.Digest[:])
	b = b[sha256.Size:]
	binary.LittleEndian.PutUint64(b[:8], uint64(params.N))
	b = b[8:]
	binary.LittleEndian.PutUint64(b[:8], uint64(params.R))
	b = b[8:]
	binary.LittleEndian.PutUint64(b[:8], uint64(params.P))

	return marshalled
}

// Unmarshal restores the parameters written by Marshal. The key must be
// derived again with DeriveKey before use.
func (sk *SecretKey) Unmarshal(marshalled []byte) error {
	if len(marshalled) != marshalledSize {
		return ErrMalformed
	}
	if sk.Key == nil {
		sk.Key = (*CryptoKey)(&[KeySize]byte{})
	}

	params := &sk.Parameters
	copy(params.Salt[:], marshalled[:KeySize])
	marshalled = marshalled[KeySize:]
	copy(params.Digest[:], marshalled[:sha256.Size])
	marshalled = marshalled[sha256.Size:]
	params.N = int(binary.LittleEndian.Uint64(marshalled[:8]))
	marshalled = marshalled[8:]
	params.R = int(binary.LittleEndian.Uint64(marshalled[:8]))
	marshalled = marshalled[8:]
	params.P = int(binary.LittleEndian.Uint64(marshalled[:8]))

	return nil
}

func (sk *SecretKey) Zero() {
	sk.Key.Zero()
}

// DeriveKey derives the key from password and checks it against the
// stored digest.
func (sk *SecretKey) DeriveKey(password *[]byte) error {
	if err := sk.deriveKey(password); err != nil {
		return err
	}

	digest := sha256.Sum256(sk.Key[:])
	if subtle.ConstantTimeCompare(digest[:], sk.Parameters.Digest[:]) != 1 {
		return ErrInvalidPassword
	}

	return nil
}

func (sk *SecretKey) deriveKey(password *[]byte) error {
	key, err := scrypt.Key(
		*password,
		sk.Parameters.Salt[:],
		sk.Parameters.N,
		sk.Parameters.R,
		sk.Parameters.P,
		len(sk.Key))
	if err != nil {
		return err
	}

	copy(sk.Key[:], key)
	zero.Bytes(key)

	// Scrypt allocates a large buffer; hand it back to the OS right away.
	debug.FreeOSMemory()
	return nil
}

func NewSecretKey(password *[]byte, n, r, p int) (*SecretKey, error) {
	sk := SecretKey{
		Key: (*CryptoKey)(&[KeySize]byte{}),
	}

	sk.Parameters.N = n
	sk.Parameters.R = r
	sk.Parameters.P = p
	_, err := io.ReadFull(prng, sk.Parameters.Salt[:])
	if err != nil {
		return nil, err
	}

	err = sk.deriveKey(password)
	if err != nil {
		return nil, err
	}

	sk.Parameters.Digest = sha256.Sum256(sk.Key[:])

	return &sk, nil
}
