package securestore

import (
	"errors"
	"fmt"
)

var (
	// ErrInputTooLarge is returned when a value exceeds what a keystore
	// accepts in one call.
	ErrInputTooLarge = errors.New("input exceeds keystore limit")

	// ErrNoSuchAlias is returned by keystores asked to decrypt with an
	// alias they hold no key for.
	ErrNoSuchAlias = errors.New("no key for alias")

	// ErrDecryptFailed is returned when a ciphertext does not open with
	// the alias key and IV given.
	ErrDecryptFailed = errors.New("unable to decrypt value")

	// ErrInvalidLabel is returned for empty labels.
	ErrInvalidLabel = errors.New("invalid label")
)

// ErrorKind classifies integrity failures of the storage.
type ErrorKind uint8

const (
	// NoSuchElement means the label is neither in the preferences nor in
	// the keystore.
	NoSuchElement ErrorKind = iota + 1

	// PreferencesCorrupted means the keystore holds a key for a label the
	// preferences have no value for.
	PreferencesCorrupted

	// KeystoreCorrupted means the preferences hold a value whose keystore
	// key is gone.
	KeystoreCorrupted

	// InvalidIV means the IV stored for a label has the wrong size.
	InvalidIV

	// CryptoFailure means the keystore failed to encrypt or decrypt.
	CryptoFailure
)

func (k ErrorKind) String() string {
	switch k {
	case NoSuchElement:
		return "no such element"
	case PreferencesCorrupted:
		return "preferences corrupted"
	case KeystoreCorrupted:
		return "keystore corrupted"
	case InvalidIV:
		return "invalid iv"
	case CryptoFailure:
		return "crypto failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// StorageError reports an integrity failure on one label. Snapshot holds
// the state of the storage when the failure was detected.
type StorageError struct {
	Kind     ErrorKind
	Label    string
	Snapshot *DebugSnapshot
	Err      error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("secure storage %v for %q: %v", e.Kind,
			e.Label, e.Err)
	}
	return fmt.Sprintf("secure storage %v for %q", e.Kind, e.Label)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ModeInconsistentError is returned when the storage holds values written
// under a mode other than the active one. The values must be migrated
// before the storage can be used again.
type ModeInconsistentError struct {
	Stored   Mode
	Active   Mode
	Snapshot *DebugSnapshot
}

func (e *ModeInconsistentError) Error() string {
	return fmt.Sprintf("secure storage written in %v but active mode is "+
		"%v, migration required", e.Stored, e.Active)
}

// InconsistentStateError is returned by Has when the preferences and the
// keystore disagree about a label.
type InconsistentStateError struct {
	Label         string
	InPreferences bool
	InKeystore    bool
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent secure storage for %q: in "+
		"preferences=%v, in keystore=%v", e.Label, e.InPreferences,
		e.InKeystore)
}
