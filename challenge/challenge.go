// Package challenge implements the key pairs a user proves knowledge of a
// password or recovery code with. A challenge key is derived from the
// secret and a random salt, so only its public half and the salt need to
// be kept by the remote party.
package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/keycrypter"
	"github.com/czh0526/walletcore/netparams"
	"github.com/czh0526/walletcore/snacl"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// SaltSize is the length of the salt a challenge key is derived with.
	SaltSize = 8

	// CurrentVersion is the version of setups created by this package.
	CurrentVersion = 2

	checksumSize = 8
)

// ScryptOptions are the costs used to derive a challenge key from a secret.
var ScryptOptions = snacl.ScryptOptions{
	N: 512,
	R: 8,
	P: 1,
}

var (
	// ErrSecretlessType is returned when an operation that needs a secret
	// is given a setup whose type has none.
	ErrSecretlessType = errors.New("challenge type is not backed by a secret")

	// ErrInvalidSetup is returned for setups that are internally
	// inconsistent.
	ErrInvalidSetup = errors.New("invalid challenge setup")
)

var prng io.Reader = rand.Reader

// Type enumerates the kinds of challenges a user can answer.
type Type uint8

const (
	// Password challenges are answered with the user's password.
	Password Type = iota + 1

	// RecoveryCode challenges are answered with the user's recovery code.
	RecoveryCode

	// UserKey challenges are answered by signing with the wallet key
	// itself, without any secret.
	UserKey
)

var typeNames = map[Type]string{
	Password:     "PASSWORD",
	RecoveryCode: "RECOVERY_CODE",
	UserKey:      "USER_KEY",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType returns the type with the given name.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown challenge type %q", name)
}

// DerivesFromSecret reports whether challenge keys of this type come from
// a user secret. Only those setups carry a salt and an encrypted private
// key.
func (t Type) DerivesFromSecret() (bool, error) {
	switch t {
	case Password, RecoveryCode:
		return true, nil
	case UserKey:
		return false, nil
	default:
		return false, fmt.Errorf("unknown challenge type %v", t)
	}
}

// PrivateKey is a challenge key derived from a secret and a salt.
type PrivateKey struct {
	key  *btcec.PrivateKey
	salt []byte
}

// DerivePrivateKey derives the challenge key for secret and salt.
func DerivePrivateKey(secret, salt []byte) (*PrivateKey, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize,
			len(salt))
	}

	cryptoKey, err := snacl.DeriveCryptoKey(secret, salt, ScryptOptions)
	if err != nil {
		return nil, err
	}
	defer cryptoKey.Zero()

	privKey, _ := btcec.PrivKeyFromBytes(cryptoKey[:])

	return &PrivateKey{
		key:  privKey,
		salt: append([]byte(nil), salt...),
	}, nil
}

// PublicKey returns the compressed public half of the challenge key.
func (k *PrivateKey) PublicKey() []byte {
	return k.key.PubKey().SerializeCompressed()
}

// Salt returns the salt the key was derived with.
func (k *PrivateKey) Salt() []byte {
	return append([]byte(nil), k.salt...)
}

// SignSha signs the sha256 digest of payload.
func (k *PrivateKey) SignSha(payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return ecdsa.Sign(k.key, digest[:]).Serialize()
}

// Zero clears the private scalar.
func (k *PrivateKey) Zero() {
	k.key.Zero()
}

// Checksum returns a short fingerprint of a public key: the hex of the last
// eight bytes of its sha256.
func Checksum(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return hex.EncodeToString(digest[len(digest)-checksumSize:])
}

// Signature is the answer to a challenge.
type Signature struct {
	Type  Type
	Bytes []byte
}

// Verify checks the signature over message against a challenge public key.
func (s Signature) Verify(publicKey, message []byte) bool {
	pubKey, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(s.Bytes)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pubKey)
}

// CreateSetup derives a new challenge key for secret under a fresh salt and
// encrypts walletKey with secret so the wallet can be recovered by
// answering the challenge.
func CreateSetup(t Type, secret []byte, walletKey *key.PrivateKey) (*Setup, error) {
	fromSecret, err := t.DerivesFromSecret()
	if err != nil {
		return nil, err
	}
	if !fromSecret {
		return nil, fmt.Errorf("%w: %v", ErrSecretlessType, t)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(prng, salt); err != nil {
		return nil, err
	}

	challengeKey, err := DerivePrivateKey(secret, salt)
	if err != nil {
		return nil, err
	}
	defer challengeKey.Zero()

	encrypted, err := keycrypter.Encrypt(walletKey, string(secret))
	if err != nil {
		return nil, fmt.Errorf("unable to encrypt wallet key: %w", err)
	}

	log.Debugf("Created %v challenge setup with key %s", t,
		Checksum(challengeKey.PublicKey()))

	return &Setup{
		Type:                t,
		PublicKey:           challengeKey.PublicKey(),
		Salt:                fn.Some(salt),
		EncryptedPrivateKey: fn.Some(encrypted),
		Version:             CurrentVersion,
	}, nil
}

// NewUserKeySetup builds the setup of a challenge answered with the wallet
// key itself.
func NewUserKeySetup(userKey *key.PublicKey) *Setup {
	return &Setup{
		Type:                UserKey,
		PublicKey:           userKey.Raw(),
		Salt:                fn.None[[]byte](),
		EncryptedPrivateKey: fn.None[string](),
		Version:             CurrentVersion,
	}
}

// Verify reports whether secret answers the challenge of setup. Wrong
// secrets are an expected outcome and yield false, never an error.
func Verify(setup *Setup, secret []byte) (bool, error) {
	challengeKey, err := deriveFor(setup, secret)
	if err != nil {
		return false, err
	}
	defer challengeKey.Zero()

	return matches(setup, challengeKey), nil
}

// Sign answers the challenge of setup by signing message with the key
// derived from secret. The encrypted wallet key must open with the same
// secret; if the secret is wrong nothing is signed and None is returned.
func Sign(setup *Setup, secret, message []byte) (fn.Option[Signature], error) {
	none := fn.None[Signature]()

	challengeKey, err := deriveFor(setup, secret)
	if err != nil {
		return none, err
	}
	defer challengeKey.Zero()

	if !matches(setup, challengeKey) {
		return none, nil
	}

	unlocked, err := unlockable(setup, secret)
	if err != nil || !unlocked {
		return none, err
	}

	return fn.Some(Signature{
		Type:  setup.Type,
		Bytes: challengeKey.SignSha(message),
	}), nil
}

func deriveFor(setup *Setup, secret []byte) (*PrivateKey, error) {
	if err := setup.Validate(); err != nil {
		return nil, err
	}

	salt, err := setup.Salt.UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrSecretlessType, setup.Type),
	)
	if err != nil {
		return nil, err
	}

	return DerivePrivateKey(secret, salt)
}

func matches(setup *Setup, challengeKey *PrivateKey) bool {
	return subtle.ConstantTimeCompare(
		challengeKey.PublicKey(), setup.PublicKey,
	) == 1
}

// unlockable checks that the encrypted wallet key opens with secret
// without keeping the decrypted key around.
func unlockable(setup *Setup, secret []byte) (bool, error) {
	encrypted, err := setup.EncryptedPrivateKey.UnwrapOrErr(ErrInvalidSetup)
	if err != nil {
		return false, err
	}

	return keycrypter.CanDecrypt(encrypted, string(secret))
}

// UnlockWalletKey decrypts the wallet key stored in setup. A wrong secret
// yields None.
func UnlockWalletKey(setup *Setup, secret []byte,
	params *netparams.Params) (fn.Option[*key.PrivateKey], error) {

	none := fn.None[*key.PrivateKey]()

	if err := setup.Validate(); err != nil {
		return none, err
	}

	encrypted, err := setup.EncryptedPrivateKey.UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrSecretlessType, setup.Type),
	)
	if err != nil {
		return none, err
	}

	return keycrypter.Decrypt(encrypted, string(secret), params)
}

// Rotate replaces setup with a new one for newSecret, keeping the same
// wallet key. The old secret must answer the current setup; otherwise None
// is returned and the current setup stays in force.
func Rotate(setup *Setup, oldSecret, newSecret []byte,
	params *netparams.Params) (fn.Option[*Setup], error) {

	none := fn.None[*Setup]()

	walletKey, err := UnlockWalletKey(setup, oldSecret, params)
	if err != nil || walletKey.IsNone() {
		return none, err
	}

	rotated, err := CreateSetup(
		setup.Type, newSecret, walletKey.UnsafeFromSome(),
	)
	if err != nil {
		return none, err
	}

	return fn.Some(rotated), nil
}
