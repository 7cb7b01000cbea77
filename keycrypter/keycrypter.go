// Package keycrypter encrypts extended private keys with a passphrase.
//
// An encrypted key is an ASCII string of eight colon separated fields:
//
//	v1:N:P:R:salt:nonce:box:path
//
// N, P and R are the scrypt costs in decimal. salt, nonce and box are hex,
// and path is the hex of the key's absolute derivation path. The box seals
// the base58 serialization of the key.
package keycrypter

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/czh0526/walletcore/internal/zero"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/netparams"
	"github.com/czh0526/walletcore/snacl"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	version   = "v1"
	separator = ":"
	numFields = 8

	// SaltSize is the length of the random salt mixed into every
	// encryption.
	SaltSize = 8

	// Bounds on the scrypt costs an encrypted key may carry. Keys are
	// only ever written with ScryptOptions, well below them.
	maxScryptN = 1 << 14
	maxScryptR = 16
	maxScryptP = 4
)

// ScryptOptions are the costs used for new encryptions. Decryption uses
// whatever costs the encrypted key carries.
var ScryptOptions = snacl.ScryptOptions{
	N: 512,
	R: 8,
	P: 1,
}

// ErrMalformed is returned when an encrypted key does not follow the
// serialization format. It never signals a wrong passphrase.
var ErrMalformed = errors.New("malformed encrypted key")

var prng io.Reader = rand.Reader

// Encrypt seals privKey under passphrase.
func Encrypt(privKey *key.PrivateKey, passphrase string) (string, error) {
	return encrypt(privKey, passphrase, ScryptOptions)
}

func encrypt(privKey *key.PrivateKey, passphrase string,
	opts snacl.ScryptOptions) (string, error) {

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(prng, salt); err != nil {
		return "", err
	}

	cryptoKey, err := snacl.DeriveCryptoKey([]byte(passphrase), salt, opts)
	if err != nil {
		return "", err
	}
	defer cryptoKey.Zero()

	plaintext := []byte(privKey.Serialize())
	defer zero.Bytes(plaintext)

	nonce, box, err := cryptoKey.EncryptDetached(plaintext)
	if err != nil {
		return "", err
	}

	fields := []string{
		version,
		strconv.Itoa(opts.N),
		strconv.Itoa(opts.P),
		strconv.Itoa(opts.R),
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(box),
		hex.EncodeToString([]byte(privKey.Path().String())),
	}

	return strings.Join(fields, separator), nil
}

// Decrypt opens an encrypted key. A wrong passphrase yields None rather
// than an error; errors are reserved for malformed input.
func Decrypt(encrypted, passphrase string,
	params *netparams.Params) (fn.Option[*key.PrivateKey], error) {

	none := fn.None[*key.PrivateKey]()

	parsed, err := parse(encrypted)
	if err != nil {
		return none, err
	}

	opened, err := parsed.open(passphrase)
	if err != nil || opened.IsNone() {
		return none, err
	}

	plaintext := opened.UnsafeFromSome()
	defer zero.Bytes(plaintext)

	privKey, err := key.DeserializePrivateKey(
		parsed.path, string(plaintext), params,
	)
	if err != nil {
		return none, err
	}

	return fn.Some(privKey), nil
}

// CanDecrypt reports whether passphrase opens the encrypted key, without
// decoding the key itself.
func CanDecrypt(encrypted, passphrase string) (bool, error) {
	parsed, err := parse(encrypted)
	if err != nil {
		return false, err
	}

	opened, err := parsed.open(passphrase)
	if err != nil {
		return false, err
	}
	opened.WhenSome(zero.Bytes)

	return opened.IsSome(), nil
}

// Path returns the derivation path stored in an encrypted key, which can be
// read without the passphrase.
func Path(encrypted string) (string, error) {
	parsed, err := parse(encrypted)
	if err != nil {
		return "", err
	}
	return parsed.path, nil
}

type encryptedKey struct {
	opts  snacl.ScryptOptions
	salt  []byte
	nonce []byte
	box   []byte
	path  string
}

func parse(encrypted string) (*encryptedKey, error) {
	fields := strings.Split(encrypted, separator)
	if len(fields) != numFields || fields[0] != version {
		return nil, fmt.Errorf("%w: expected %d fields with version %s",
			ErrMalformed, numFields, version)
	}

	var (
		parsed encryptedKey
		err    error
	)

	costs := []*int{&parsed.opts.N, &parsed.opts.P, &parsed.opts.R}
	for i, cost := range costs {
		*cost, err = strconv.Atoi(fields[1+i])
		if err != nil || *cost <= 0 {
			return nil, fmt.Errorf("%w: bad scrypt cost %q",
				ErrMalformed, fields[1+i])
		}
	}

	if err := checkCosts(parsed.opts); err != nil {
		return nil, err
	}

	blobs := []*[]byte{&parsed.salt, &parsed.nonce, &parsed.box}
	for i, blob := range blobs {
		*blob, err = hex.DecodeString(fields[4+i])
		if err != nil {
			return nil, fmt.Errorf("%w: field %d is not hex",
				ErrMalformed, 4+i)
		}
	}

	if len(parsed.nonce) != snacl.NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes",
			ErrMalformed, snacl.NonceSize)
	}
	if len(parsed.box) < snacl.Overhead {
		return nil, fmt.Errorf("%w: truncated box", ErrMalformed)
	}

	path, err := hex.DecodeString(fields[7])
	if err != nil {
		return nil, fmt.Errorf("%w: path is not hex", ErrMalformed)
	}
	parsed.path = string(path)

	return &parsed, nil
}

// checkCosts rejects scrypt costs no encrypted key is written with, before
// any work is spent on them.
func checkCosts(opts snacl.ScryptOptions) error {
	switch {
	case opts.N < 2 || opts.N > maxScryptN || opts.N&(opts.N-1) != 0:
		return fmt.Errorf("%w: scrypt N %d must be a power of two up "+
			"to %d", ErrMalformed, opts.N, maxScryptN)

	case opts.R > maxScryptR:
		return fmt.Errorf("%w: scrypt r %d above %d", ErrMalformed,
			opts.R, maxScryptR)

	case opts.P > maxScryptP:
		return fmt.Errorf("%w: scrypt p %d above %d", ErrMalformed,
			opts.P, maxScryptP)
	}

	return nil
}

// open derives the key for passphrase and opens the box. A box that fails
// to open means the passphrase is wrong.
func (e *encryptedKey) open(passphrase string) (fn.Option[[]byte], error) {
	none := fn.None[[]byte]()

	cryptoKey, err := snacl.DeriveCryptoKey([]byte(passphrase), e.salt, e.opts)
	if err != nil {
		return none, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer cryptoKey.Zero()

	plaintext, err := cryptoKey.DecryptDetached(e.nonce, e.box)
	switch {
	case errors.Is(err, snacl.ErrDecryptFailed):
		log.Debugf("Unable to open encrypted key at %s", e.path)
		return none, nil

	case err != nil:
		return none, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return fn.Some(plaintext), nil
}
