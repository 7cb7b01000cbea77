// Package securestore keeps small secret values encrypted at rest. Values
// are sealed by a Keystore under a per label key and IV, and the resulting
// ciphertexts are kept in walletdb together with the storage mode they
// were written under.
//
// A storage written under one mode refuses to be read or written under
// another one. Migrating between modes is left to the caller.
package securestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/czh0526/walletcore/walletdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds everything a Storage is built from.
type Config struct {
	// DB keeps the ciphertexts, IVs, mode and audit trail.
	DB walletdb.DB

	// Keystore seals and opens values.
	Keystore Keystore

	// Mode is the active storage mode, usually from SelectMode.
	Mode Mode

	// AuditTrailSize caps the audit trail. Zero means
	// DefaultAuditTrailSize.
	AuditTrailSize int

	// Clock stamps audit entries. Nil means the system clock.
	Clock clock.Clock
}

// DebugSnapshot describes the state of a storage for diagnostics. It only
// ever holds labels, never values.
type DebugSnapshot struct {
	StoredMode     fn.Option[Mode]
	ActiveMode     Mode
	Compatible     bool
	Labels         []string
	IVLabels       []string
	KeystoreLabels []string
	KeystoreErr    error
	AuditTrail     []string
}

// Storage is an encrypted key/value store. Operations on one Storage are
// serialized.
type Storage struct {
	cfg   Config
	prefs *preferences

	// txKeystore is set when the keystore lives in cfg.DB, so key
	// changes commit together with the preferences.
	txKeystore fn.Option[TxKeystore]

	mtx sync.Mutex
}

// New opens the storage described by cfg.
func New(cfg Config) (*Storage, error) {
	if cfg.DB == nil || cfg.Keystore == nil {
		return nil, errors.New("secure storage needs a db and a keystore")
	}
	if _, err := ParseMode(cfg.Mode.String()); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	prefs, err := newPreferences(cfg.DB, cfg.AuditTrailSize)
	if err != nil {
		return nil, err
	}

	storage := &Storage{
		cfg:        cfg,
		prefs:      prefs,
		txKeystore: fn.None[TxKeystore](),
	}
	if ks, ok := cfg.Keystore.(TxKeystore); ok && ks.DB() == cfg.DB {
		storage.txKeystore = fn.Some(ks)
	}

	return storage, nil
}

// Mode returns the active mode.
func (s *Storage) Mode() Mode {
	return s.cfg.Mode
}

// IsCompatibleFormat reports whether the stored values can be used under
// the active mode. It is true for a storage nothing was written to yet.
func (s *Storage) IsCompatibleFormat() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var compatible bool
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		var err error
		compatible, err = s.prefs.isCompatible(tx, s.cfg.Mode)
		return err
	})

	return compatible, err
}

// Put encrypts value and stores it under label, replacing any previous
// value. The label keeps its IV across puts. When the keystore shares the
// database, a failed put leaves neither a value nor a new key behind.
func (s *Storage) Put(label string, value []byte) error {
	if label == "" {
		return ErrInvalidLabel
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkMode(); err != nil {
		return err
	}

	err := walletdb.Update(s.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		stored, err := s.prefs.storedIV(tx, label)
		if err != nil {
			return &kindError{kind: InvalidIV, err: err}
		}

		iv, err := stored.UnwrapOrFuncErr(newIV)
		if err != nil {
			return err
		}
		if stored.IsNone() {
			if err := s.prefs.saveIV(tx, label, iv); err != nil {
				return err
			}
		}

		ciphertext, err := s.encrypt(tx, value, label, iv)
		if err != nil {
			return &kindError{kind: CryptoFailure, err: err}
		}

		err = s.prefs.saveBytes(tx, label, ciphertext, s.cfg.Mode)
		if err != nil {
			return err
		}

		return s.prefs.recordAudit(tx, s.auditEntry(OpPut, label))
	})

	var kindErr *kindError
	switch {
	case errors.As(err, &kindErr):
		return s.storageError(kindErr.kind, label, kindErr.err)

	case err != nil:
		return fmt.Errorf("unable to store %q: %w", label, err)
	}

	log.Debugf("Stored %q under %v", label, s.cfg.Mode)

	return nil
}

// kindError carries a failure out of a transaction so it can be reported
// as a StorageError once the transaction is closed.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// encrypt seals value within tx when the keystore allows it, and on its
// own otherwise.
func (s *Storage) encrypt(tx walletdb.ReadWriteTx, value []byte,
	label string, iv []byte) ([]byte, error) {

	if s.txKeystore.IsSome() {
		return s.txKeystore.UnsafeFromSome().EncryptTx(
			tx, value, label, iv,
		)
	}

	return s.cfg.Keystore.Encrypt(value, label, iv)
}

// Get returns the value stored under label.
func (s *Storage) Get(label string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkMode(); err != nil {
		return nil, err
	}

	var (
		inPrefs    bool
		ciphertext []byte
		iv         fn.Option[[]byte]
		ivErr      error
	)
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		inPrefs = s.prefs.hasKey(tx, label)
		ciphertext = s.prefs.getBytes(tx, label)
		iv, ivErr = s.prefs.storedIV(tx, label)
		return nil
	})
	if err != nil {
		return nil, err
	}

	inKeystore, err := s.cfg.Keystore.HasKey(label)
	if err != nil {
		return nil, s.storageError(CryptoFailure, label, err)
	}

	switch {
	case !inPrefs && !inKeystore:
		return nil, s.storageError(NoSuchElement, label, nil)

	case !inPrefs:
		return nil, s.storageError(PreferencesCorrupted, label, nil)

	case !inKeystore:
		return nil, s.storageError(KeystoreCorrupted, label, nil)
	}

	if ivErr != nil {
		return nil, s.storageError(InvalidIV, label, ivErr)
	}
	if iv.IsNone() {
		return nil, s.storageError(
			InvalidIV, label, errors.New("missing iv"),
		)
	}

	value, err := s.cfg.Keystore.Decrypt(
		ciphertext, label, iv.UnsafeFromSome(),
	)
	if err != nil {
		return nil, s.storageError(CryptoFailure, label, err)
	}

	return value, nil
}

// Has reports whether label holds a value. The preferences and the
// keystore must agree; when they don't an InconsistentStateError is
// returned.
func (s *Storage) Has(label string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var inPrefs bool
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		inPrefs = s.prefs.hasKey(tx, label)
		return nil
	})
	if err != nil {
		return false, err
	}

	inKeystore, err := s.cfg.Keystore.HasKey(label)
	if err != nil {
		return false, err
	}

	if inPrefs != inKeystore {
		log.Warnf("Secure storage disagrees on %q: preferences=%v "+
			"keystore=%v", label, inPrefs, inKeystore)

		return false, &InconsistentStateError{
			Label:         label,
			InPreferences: inPrefs,
			InKeystore:    inKeystore,
		}
	}

	return inPrefs, nil
}

// Delete removes the value of label and its keystore key.
func (s *Storage) Delete(label string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := walletdb.Update(s.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		if err := s.prefs.delete(tx, label); err != nil {
			return err
		}
		err := s.prefs.recordAudit(tx, s.auditEntry(OpDelete, label))
		if err != nil {
			return err
		}

		return fn.MapOptionZ(s.txKeystore, func(ks TxKeystore) error {
			return ks.DeleteEntryTx(tx, label)
		})
	})
	if err != nil {
		return fmt.Errorf("unable to delete %q: %w", label, err)
	}

	if s.txKeystore.IsSome() {
		return nil
	}

	return s.cfg.Keystore.DeleteEntry(label)
}

// Wipe removes every value, IV, the mode record and every keystore key.
// With a keystore in the same database this is one transaction. The
// audit trail restarts with the wipe.
func (s *Storage) Wipe() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := walletdb.Update(s.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		if err := s.prefs.wipe(tx); err != nil {
			return err
		}
		err := s.prefs.recordAudit(tx, s.auditEntry(OpWipe, wipeLabel))
		if err != nil {
			return err
		}

		return fn.MapOptionZ(s.txKeystore, func(ks TxKeystore) error {
			return ks.WipeTx(tx)
		})
	})
	if err != nil {
		return fmt.Errorf("unable to wipe secure storage: %w", err)
	}

	if s.txKeystore.IsNone() {
		if err := s.cfg.Keystore.Wipe(); err != nil {
			return fmt.Errorf("unable to wipe keystore: %w", err)
		}
	}

	log.Infof("Secure storage wiped")

	return nil
}

// DebugSnapshot captures the state of the storage. It is safe to report.
func (s *Storage) DebugSnapshot() *DebugSnapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.snapshot()
}

func (s *Storage) snapshot() *DebugSnapshot {
	snap := &DebugSnapshot{
		StoredMode: fn.None[Mode](),
		ActiveMode: s.cfg.Mode,
	}

	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		var err error
		snap.StoredMode, err = s.prefs.storedMode(tx)
		if err != nil {
			return err
		}
		snap.Compatible, err = s.prefs.isCompatible(tx, s.cfg.Mode)
		if err != nil {
			return err
		}
		snap.Labels, err = s.prefs.labels(tx)
		if err != nil {
			return err
		}
		snap.IVLabels, err = s.prefs.ivLabels(tx)
		return err
	})
	if err != nil {
		log.Errorf("Unable to read preferences for snapshot: %v", err)
	}

	snap.KeystoreLabels, snap.KeystoreErr = s.cfg.Keystore.Labels()
	sort.Strings(snap.KeystoreLabels)

	snap.AuditTrail, err = s.prefs.auditTrail()
	if err != nil {
		log.Errorf("Unable to read audit trail: %v", err)
	}

	return snap
}

// checkMode fails with a ModeInconsistentError when values were written
// under another mode. The caller must hold mtx.
func (s *Storage) checkMode() error {
	var stored fn.Option[Mode]
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		var err error
		stored, err = s.prefs.storedMode(tx)
		return err
	})
	if err != nil {
		return err
	}

	if stored.UnwrapOr(s.cfg.Mode) == s.cfg.Mode {
		return nil
	}

	storedMode := stored.UnsafeFromSome()
	log.Warnf("Secure storage written in %v, active mode is %v",
		storedMode, s.cfg.Mode)

	return &ModeInconsistentError{
		Stored:   storedMode,
		Active:   s.cfg.Mode,
		Snapshot: s.snapshot(),
	}
}

func (s *Storage) storageError(kind ErrorKind, label string,
	err error) error {

	log.Errorf("Secure storage %v for %q", kind, label)

	return &StorageError{
		Kind:     kind,
		Label:    label,
		Snapshot: s.snapshot(),
		Err:      err,
	}
}

func (s *Storage) auditEntry(op Operation, label string) AuditEntry {
	return AuditEntry{
		Time:      s.cfg.Clock.Now(),
		Operation: op,
		Label:     label,
	}
}
