package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/czh0526/walletcore/internal/zero"
	"github.com/czh0526/walletcore/snacl"
	"github.com/czh0526/walletcore/walletdb"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// MaxInputSize is the largest value a keystore encrypts in one call.
	MaxInputSize = 512

	// AliasPrefix is prepended to labels to form keystore aliases.
	AliasPrefix = "muun_key_store_"

	// IVSize is the size of the per label IV.
	IVSize = 16

	aliasKeySize = 32

	// DefaultKeyCacheSize is the number of unwrapped alias keys kept in
	// memory by the software keystore.
	DefaultKeyCacheSize = 32
)

// Keystore encrypts values under per alias keys it never exposes. A
// decryption with an IV other than the one used to encrypt must fail.
type Keystore interface {
	Encrypt(input []byte, label string, iv []byte) ([]byte, error)
	Decrypt(input []byte, label string, iv []byte) ([]byte, error)
	DeleteEntry(label string) error
	HasKey(label string) (bool, error)

	// Labels returns the labels the keystore holds keys for.
	Labels() ([]string, error)

	// Wipe deletes every key.
	Wipe() error
}

// TxKeystore is a Keystore kept in a walletdb. When it shares the storage
// database, key changes join the transaction of the storage operation
// that causes them.
type TxKeystore interface {
	Keystore

	// DB returns the database the keys live in.
	DB() walletdb.DB

	EncryptTx(tx walletdb.ReadWriteTx, input []byte, label string,
		iv []byte) ([]byte, error)
	DeleteEntryTx(tx walletdb.ReadWriteTx, label string) error
	WipeTx(tx walletdb.ReadWriteTx) error
}

// Alias returns the keystore alias of a label.
func Alias(label string) string {
	return AliasPrefix + label
}

var (
	keystoreBucket   = []byte("muun-keystore")
	aliasKeysBucket  = []byte("aliases")
	masterParamsName = []byte("mpriv")
)

type cachedAliasKey struct {
	key [aliasKeySize]byte
}

func (c *cachedAliasKey) Size() (uint64, error) {
	return 1, nil
}

// SoftwareKeystore keeps a random AES key per alias in walletdb. Alias keys
// are sealed with a master key derived from a passphrase, whose scrypt
// parameters live next to them.
//
// Values are sealed with AES-GCM under a fresh random nonce per call,
// carried in front of the ciphertext. The label's IV is bound in as
// additional data, so the same IV must be presented to decrypt.
type SoftwareKeystore struct {
	db        walletdb.DB
	masterKey *snacl.SecretKey
	keyCache  *lru.Cache[string, *cachedAliasKey]

	mtx sync.Mutex
}

var _ TxKeystore = (*SoftwareKeystore)(nil)

var prng io.Reader = rand.Reader

// ErrKeystoreLocked is returned by a software keystore after Lock.
var ErrKeystoreLocked = errors.New("keystore is locked")

// OpenSoftwareKeystore unlocks the keystore kept in db with passphrase,
// creating it on first use. An existing keystore opened with the wrong
// passphrase fails with snacl.ErrInvalidPassword.
func OpenSoftwareKeystore(db walletdb.DB, passphrase []byte,
	opts snacl.ScryptOptions, cacheSize uint64) (*SoftwareKeystore, error) {

	var masterKey *snacl.SecretKey
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(keystoreBucket)
		if err != nil {
			return err
		}
		if _, err := ns.CreateBucketIfNotExists(aliasKeysBucket); err != nil {
			return err
		}

		params := ns.Get(masterParamsName)
		if params == nil {
			log.Infof("Creating software keystore")

			masterKey, err = snacl.NewSecretKey(
				&passphrase, opts.N, opts.R, opts.P,
			)
			if err != nil {
				return err
			}
			return ns.Put(masterParamsName, masterKey.Marshal())
		}

		var sk snacl.SecretKey
		if err := sk.Unmarshal(params); err != nil {
			return err
		}
		if err := sk.DeriveKey(&passphrase); err != nil {
			return err
		}
		masterKey = &sk

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open software keystore: %w", err)
	}

	if cacheSize == 0 {
		cacheSize = DefaultKeyCacheSize
	}

	return &SoftwareKeystore{
		db:        db,
		masterKey: masterKey,
		keyCache:  lru.NewCache[string, *cachedAliasKey](cacheSize),
	}, nil
}

// DB returns the database the alias keys are kept in.
func (s *SoftwareKeystore) DB() walletdb.DB {
	return s.db
}

// Encrypt seals input with the alias key of label, creating the key if the
// label has none yet.
func (s *SoftwareKeystore) Encrypt(input []byte, label string,
	iv []byte) ([]byte, error) {

	var sealed []byte
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		var err error
		sealed, err = s.EncryptTx(tx, input, label, iv)
		return err
	})

	return sealed, err
}

// EncryptTx is Encrypt within tx. A key created here is only cached once
// tx commits.
func (s *SoftwareKeystore) EncryptTx(tx walletdb.ReadWriteTx, input []byte,
	label string, iv []byte) ([]byte, error) {

	if len(input) > MaxInputSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(input))
	}
	if err := checkIV(iv); err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	alias := Alias(label)
	aliasKey, err := s.aliasKeyTx(tx, alias)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(aliasKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+
		len(input)+aead.Overhead())
	if _, err := io.ReadFull(prng, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, input, additionalData(alias, iv)), nil
}

// Decrypt opens input with the alias key of label.
func (s *SoftwareKeystore) Decrypt(input []byte, label string,
	iv []byte) ([]byte, error) {

	if err := checkIV(iv); err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	alias := Alias(label)
	aliasKey, err := s.aliasKey(alias)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(aliasKey)
	if err != nil {
		return nil, err
	}

	if len(input) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := input[:aead.NonceSize()], input[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, additionalData(alias, iv))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func checkIV(iv []byte) error {
	if len(iv) != IVSize {
		return fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	return nil
}

func newAEAD(aliasKey *cachedAliasKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(aliasKey.key[:])
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

func additionalData(alias string, iv []byte) []byte {
	ad := make([]byte, 0, len(alias)+len(iv))
	ad = append(ad, alias...)
	return append(ad, iv...)
}

// aliasKey returns the unwrapped key of an existing alias, from the cache
// if possible. The caller must hold mtx.
func (s *SoftwareKeystore) aliasKey(alias string) (*cachedAliasKey, error) {
	if s.masterKey == nil {
		return nil, ErrKeystoreLocked
	}
	if cached, ok := s.cached(alias); ok {
		return cached, nil
	}

	var aliasKey *cachedAliasKey
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		keys := readAliasKeys(tx)
		if keys == nil {
			return walletdb.ErrBucketNotFound
		}

		sealed := keys.Get([]byte(alias))
		if sealed == nil {
			return ErrNoSuchAlias
		}

		var err error
		aliasKey, err = s.unwrap(alias, sealed)
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.keyCache.Put(alias, aliasKey); err != nil {
		return nil, err
	}

	return aliasKey, nil
}

// aliasKeyTx returns the key of alias, creating it in tx when missing. The
// caller must hold mtx.
func (s *SoftwareKeystore) aliasKeyTx(tx walletdb.ReadWriteTx,
	alias string) (*cachedAliasKey, error) {

	if s.masterKey == nil {
		return nil, ErrKeystoreLocked
	}
	if cached, ok := s.cached(alias); ok {
		return cached, nil
	}

	keys := aliasKeys(tx)
	if keys == nil {
		return nil, walletdb.ErrBucketNotFound
	}

	if sealed := keys.Get([]byte(alias)); sealed != nil {
		aliasKey, err := s.unwrap(alias, sealed)
		if err != nil {
			return nil, err
		}
		if _, err := s.keyCache.Put(alias, aliasKey); err != nil {
			return nil, err
		}
		return aliasKey, nil
	}

	aliasKey := &cachedAliasKey{}
	if _, err := io.ReadFull(prng, aliasKey.key[:]); err != nil {
		return nil, err
	}

	sealed, err := s.masterKey.Encrypt(aliasKey.key[:])
	if err != nil {
		return nil, err
	}
	if err := keys.Put([]byte(alias), sealed); err != nil {
		return nil, err
	}

	log.Debugf("Created keystore key for %s", alias)

	tx.OnCommit(func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()

		if _, err := s.keyCache.Put(alias, aliasKey); err != nil {
			log.Errorf("Unable to cache key for %s: %v", alias, err)
		}
	})

	return aliasKey, nil
}

func (s *SoftwareKeystore) cached(alias string) (*cachedAliasKey, bool) {
	cached, err := s.keyCache.Get(alias)
	switch {
	case err == nil:
		return cached, true

	case !errors.Is(err, cache.ErrElementNotFound):
		log.Errorf("Keystore cache lookup for %s failed: %v", alias, err)
	}

	return nil, false
}

func (s *SoftwareKeystore) unwrap(alias string,
	sealed []byte) (*cachedAliasKey, error) {

	opened, err := s.masterKey.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(opened)

	if len(opened) != aliasKeySize {
		return nil, fmt.Errorf("stored key for %s has %d bytes", alias,
			len(opened))
	}

	aliasKey := &cachedAliasKey{}
	copy(aliasKey.key[:], opened)

	return aliasKey, nil
}

func aliasKeys(tx walletdb.ReadWriteTx) walletdb.ReadWriteBucket {
	ns := tx.ReadWriteBucket(keystoreBucket)
	if ns == nil {
		return nil
	}
	return ns.NestedReadWriteBucket(aliasKeysBucket)
}

// DeleteEntry deletes the key of label. Deleting a missing key is not an
// error.
func (s *SoftwareKeystore) DeleteEntry(label string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return s.DeleteEntryTx(tx, label)
	})
}

// DeleteEntryTx is DeleteEntry within tx.
func (s *SoftwareKeystore) DeleteEntryTx(tx walletdb.ReadWriteTx,
	label string) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	alias := Alias(label)
	s.evict(alias)

	keys := aliasKeys(tx)
	if keys == nil {
		return walletdb.ErrBucketNotFound
	}

	return keys.Delete([]byte(alias))
}

// HasKey reports whether label has a key.
func (s *SoftwareKeystore) HasKey(label string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var found bool
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		keys := readAliasKeys(tx)
		if keys == nil {
			return walletdb.ErrBucketNotFound
		}
		found = keys.Get([]byte(Alias(label))) != nil
		return nil
	})

	return found, err
}

func readAliasKeys(tx walletdb.ReadTx) walletdb.ReadBucket {
	ns := tx.ReadBucket(keystoreBucket)
	if ns == nil {
		return nil
	}
	return ns.NestedReadBucket(aliasKeysBucket)
}

// Labels returns the labels with a key.
func (s *SoftwareKeystore) Labels() ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var labels []string
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		labels = nil

		keys := readAliasKeys(tx)
		if keys == nil {
			return walletdb.ErrBucketNotFound
		}

		return keys.ForEach(func(k, _ []byte) error {
			labels = append(labels, strings.TrimPrefix(
				string(k), AliasPrefix,
			))
			return nil
		})
	})

	return labels, err
}

// Wipe deletes every alias key. The master key parameters are kept so the
// keystore stays bound to its passphrase.
func (s *SoftwareKeystore) Wipe() error {
	return walletdb.Update(s.db, s.WipeTx)
}

// WipeTx is Wipe within tx.
func (s *SoftwareKeystore) WipeTx(tx walletdb.ReadWriteTx) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.evictAll()

	ns := tx.ReadWriteBucket(keystoreBucket)
	if ns == nil {
		return walletdb.ErrBucketNotFound
	}
	if err := ns.DeleteNestedBucket(aliasKeysBucket); err != nil &&
		!errors.Is(err, walletdb.ErrBucketNotFound) {

		return err
	}
	_, err := ns.CreateBucket(aliasKeysBucket)

	return err
}

// Lock forgets the master key and every cached alias key. The keystore is
// unusable afterwards.
func (s *SoftwareKeystore) Lock() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.evictAll()

	if s.masterKey != nil {
		s.masterKey.Zero()
		s.masterKey = nil
	}
}

// evictAll empties the cache. The caller must hold mtx.
func (s *SoftwareKeystore) evictAll() {
	var aliases []string
	s.keyCache.Range(func(alias string, _ *cachedAliasKey) bool {
		aliases = append(aliases, alias)
		return true
	})
	for _, alias := range aliases {
		s.evict(alias)
	}
}

// evict drops alias from the cache, clearing the key first. The caller
// must hold mtx.
func (s *SoftwareKeystore) evict(alias string) {
	cached, err := s.keyCache.Get(alias)
	if err != nil {
		return
	}
	zero.Bytea32(&cached.key)
	s.keyCache.Delete(alias)
}
