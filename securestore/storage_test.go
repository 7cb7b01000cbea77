package securestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/czh0526/walletcore/snacl"
	"github.com/czh0526/walletcore/walletdb"
	_ "github.com/czh0526/walletcore/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPass = []byte("storage passphrase")
	testTime = time.Date(2009, time.January, 3, 12, 0, 0, 0, time.UTC)
)

func emptyDB(t *testing.T) walletdb.DB {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "secure.db"), true,
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func openKeystore(t *testing.T, db walletdb.DB) *SoftwareKeystore {
	t.Helper()

	ks, err := OpenSoftwareKeystore(
		db, testPass, snacl.FastScryptOptions, 4,
	)
	require.NoError(t, err)

	return ks
}

func newStorage(t *testing.T, db walletdb.DB, ks Keystore,
	mode Mode) *Storage {

	t.Helper()

	storage, err := New(Config{
		DB:             db,
		Keystore:       ks,
		Mode:           mode,
		AuditTrailSize: 3,
		Clock:          clock.NewTestClock(testTime),
	})
	require.NoError(t, err)

	return storage
}

func TestModes(t *testing.T) {
	assert.Equal(t, MMode, SelectMode(true))
	assert.Equal(t, JMode, SelectMode(false))

	for _, mode := range []Mode{JMode, MMode} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	_, err := ParseMode("K_MODE")
	assert.Error(t, err)

	_, err = New(Config{DB: emptyDB(t), Keystore: &SoftwareKeystore{}})
	assert.Error(t, err)
}

func TestPutGet(t *testing.T) {
	db := emptyDB(t)
	storage := newStorage(t, db, openKeystore(t, db), JMode)

	compatible, err := storage.IsCompatibleFormat()
	require.NoError(t, err)
	assert.True(t, compatible)

	require.NoError(t, storage.Put("pin", []byte("1234")))

	compatible, err = storage.IsCompatibleFormat()
	require.NoError(t, err)
	assert.True(t, compatible)

	first := storage.DebugSnapshot()
	require.True(t, first.StoredMode.IsSome())
	assert.Equal(t, JMode, first.StoredMode.UnsafeFromSome())

	require.NoError(t, storage.Put("pin", []byte("5678")))
	require.NoError(t, storage.Put("xpriv", []byte("secret key")))

	compatible, err = storage.IsCompatibleFormat()
	require.NoError(t, err)
	assert.True(t, compatible)

	value, err := storage.Get("pin")
	require.NoError(t, err)
	assert.Equal(t, []byte("5678"), value)

	has, err := storage.Has("xpriv")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = storage.Has("missing")
	require.NoError(t, err)
	assert.False(t, has)

	snap := storage.DebugSnapshot()
	assert.ElementsMatch(t, []string{"pin", "xpriv"}, snap.Labels)
	assert.ElementsMatch(t, []string{"pin", "xpriv"}, snap.IVLabels)
	assert.Equal(t, []string{"pin", "xpriv"}, snap.KeystoreLabels)
	assert.Equal(t, []string{
		"2009-01-03T12:00:00.000Z PUT pin",
		"2009-01-03T12:00:00.000Z PUT pin",
		"2009-01-03T12:00:00.000Z PUT xpriv",
	}, snap.AuditTrail)

	assert.ErrorIs(t, storage.Put("", []byte("x")), ErrInvalidLabel)
}

func TestIVReused(t *testing.T) {
	db := emptyDB(t)
	storage := newStorage(t, db, openKeystore(t, db), JMode)

	require.NoError(t, storage.Put("label", []byte("a")))
	var first []byte
	require.NoError(t, walletdb.View(db, func(tx walletdb.ReadTx) error {
		iv, err := storage.prefs.storedIV(tx, "label")
		first = iv.UnwrapOr(nil)
		return err
	}))
	require.Len(t, first, IVSize)

	require.NoError(t, storage.Put("label", []byte("b")))
	require.NoError(t, walletdb.View(db, func(tx walletdb.ReadTx) error {
		iv, err := storage.prefs.storedIV(tx, "label")
		assert.Equal(t, first, iv.UnwrapOr(nil))
		return err
	}))
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestPutUsesFreshNonces(t *testing.T) {
	db := emptyDB(t)
	storage := newStorage(t, db, openKeystore(t, db), JMode)

	stored := func(label string) []byte {
		var ciphertext []byte
		require.NoError(t, walletdb.View(db, func(tx walletdb.ReadTx) error {
			ciphertext = storage.prefs.getBytes(tx, label)
			return nil
		}))
		return ciphertext
	}

	a := []byte("AAAAAAAAAAAAAAAA")
	b := []byte("secret-key-bytes")

	require.NoError(t, storage.Put("xpriv", a))
	first := stored("xpriv")
	require.NoError(t, storage.Put("xpriv", b))
	second := stored("xpriv")
	require.Len(t, second, len(first))

	// The IV stays with the label, the nonce does not.
	const nonceSize = 12
	assert.NotEqual(t, first[:nonceSize], second[:nonceSize])

	body := func(ciphertext []byte) []byte {
		return ciphertext[nonceSize : nonceSize+len(a)]
	}
	assert.NotEqual(t, xorBytes(a, b), xorBytes(body(first), body(second)))
	assert.NotEqual(t, b, xorBytes(xorBytes(body(first), body(second)), a))

	value, err := storage.Get("xpriv")
	require.NoError(t, err)
	assert.Equal(t, b, value)
}

func TestFailedPutLeavesNoKey(t *testing.T) {
	db := emptyDB(t)
	ks := openKeystore(t, db)
	storage := newStorage(t, db, ks, JMode)

	setValues := func(present bool) {
		err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
			ns := tx.ReadWriteBucket(preferencesBucket)
			if present {
				_, err := ns.CreateBucket(valuesBucket)
				return err
			}
			return ns.DeleteNestedBucket(valuesBucket)
		})
		require.NoError(t, err)
	}

	setValues(false)
	require.Error(t, storage.Put("pin", []byte("1234")))
	setValues(true)

	inKeystore, err := ks.HasKey("pin")
	require.NoError(t, err)
	assert.False(t, inKeystore)

	has, err := storage.Has("pin")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = storage.Get("pin")
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, NoSuchElement, storageErr.Kind)

	snap := storage.DebugSnapshot()
	assert.Empty(t, snap.IVLabels)
	assert.Empty(t, snap.AuditTrail)

	require.NoError(t, storage.Put("pin", []byte("1234")))
	value, err := storage.Get("pin")
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), value)
}

func TestModeMismatch(t *testing.T) {
	db := emptyDB(t)
	ks := openKeystore(t, db)

	written := newStorage(t, db, ks, MMode)
	require.NoError(t, written.Put("seed", []byte("words")))

	active := newStorage(t, db, ks, JMode)

	compatible, err := active.IsCompatibleFormat()
	require.NoError(t, err)
	assert.False(t, compatible)

	_, err = active.Get("seed")
	var modeErr *ModeInconsistentError
	require.True(t, errors.As(err, &modeErr))
	assert.Equal(t, MMode, modeErr.Stored)
	assert.Equal(t, JMode, modeErr.Active)
	require.NotNil(t, modeErr.Snapshot)
	assert.False(t, modeErr.Snapshot.Compatible)

	err = active.Put("seed", []byte("other"))
	require.True(t, errors.As(err, &modeErr))

	// The value written under the original mode is untouched.
	value, err := written.Get("seed")
	require.NoError(t, err)
	assert.Equal(t, []byte("words"), value)
}

func TestGetIntegrityErrors(t *testing.T) {
	db := emptyDB(t)
	ks := openKeystore(t, db)
	storage := newStorage(t, db, ks, JMode)

	kindOf := func(err error) ErrorKind {
		var storageErr *StorageError
		require.True(t, errors.As(err, &storageErr), "got %v", err)
		assert.NotNil(t, storageErr.Snapshot)
		return storageErr.Kind
	}

	_, err := storage.Get("nothing")
	assert.Equal(t, NoSuchElement, kindOf(err))

	// A key only the keystore knows about.
	iv := bytes.Repeat([]byte{1}, IVSize)
	_, err = ks.Encrypt([]byte("x"), "orphan", iv)
	require.NoError(t, err)

	_, err = storage.Get("orphan")
	assert.Equal(t, PreferencesCorrupted, kindOf(err))

	_, err = storage.Has("orphan")
	var stateErr *InconsistentStateError
	require.True(t, errors.As(err, &stateErr))
	assert.False(t, stateErr.InPreferences)
	assert.True(t, stateErr.InKeystore)

	// A value whose keystore key is gone.
	require.NoError(t, storage.Put("lost", []byte("y")))
	require.NoError(t, ks.DeleteEntry("lost"))

	_, err = storage.Get("lost")
	assert.Equal(t, KeystoreCorrupted, kindOf(err))

	// A value with a damaged IV.
	require.NoError(t, storage.Put("bent", []byte("z")))
	require.NoError(t, walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return storage.prefs.saveIV(tx, "bent", []byte{1, 2, 3})
	}))

	_, err = storage.Get("bent")
	assert.Equal(t, InvalidIV, kindOf(err))

	err = storage.Put("bent", []byte("z"))
	assert.Equal(t, InvalidIV, kindOf(err))
}

func TestDeleteAndWipe(t *testing.T) {
	db := emptyDB(t)
	ks := openKeystore(t, db)
	storage := newStorage(t, db, ks, MMode)

	for _, label := range []string{"a", "b", "c"} {
		require.NoError(t, storage.Put(label, []byte(label)))
	}

	require.NoError(t, storage.Delete("a"))
	has, err := storage.Has("a")
	require.NoError(t, err)
	assert.False(t, has)

	snap := storage.DebugSnapshot()
	assert.Len(t, snap.AuditTrail, 3)
	assert.Equal(t, "2009-01-03T12:00:00.000Z DELETE a", snap.AuditTrail[2])

	require.NoError(t, storage.Wipe())

	for _, label := range []string{"a", "b", "c"} {
		has, err := storage.Has(label)
		require.NoError(t, err)
		assert.False(t, has)
	}

	snap = storage.DebugSnapshot()
	assert.True(t, snap.StoredMode.IsNone())
	assert.Empty(t, snap.Labels)
	assert.Empty(t, snap.IVLabels)
	assert.Empty(t, snap.KeystoreLabels)
	assert.Equal(t, []string{"2009-01-03T12:00:00.000Z WIPE *"},
		snap.AuditTrail)

	// A wiped storage may be used under another mode.
	other := newStorage(t, db, ks, JMode)
	compatible, err := other.IsCompatibleFormat()
	require.NoError(t, err)
	assert.True(t, compatible)
	require.NoError(t, other.Put("a", []byte("again")))
}

func TestSoftwareKeystore(t *testing.T) {
	db := emptyDB(t)
	ks := openKeystore(t, db)

	iv := bytes.Repeat([]byte{7}, IVSize)
	otherIV := bytes.Repeat([]byte{8}, IVSize)

	ciphertext, err := ks.Encrypt([]byte("value"), "label", iv)
	require.NoError(t, err)

	_, err = ks.Decrypt(ciphertext, "label", otherIV)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	again, err := ks.Encrypt([]byte("value"), "label", iv)
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again)

	_, err = ks.Decrypt(ciphertext[:10], "label", iv)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = ks.Decrypt(ciphertext, "other", iv)
	assert.ErrorIs(t, err, ErrNoSuchAlias)

	_, err = ks.Encrypt([]byte("value"), "label", iv[:12])
	assert.Error(t, err)

	_, err = ks.Encrypt(make([]byte, MaxInputSize+1), "label", iv)
	assert.ErrorIs(t, err, ErrInputTooLarge)

	// A reopened keystore unwraps the stored alias key.
	reopened := openKeystore(t, db)
	plaintext, err := reopened.Decrypt(ciphertext, "label", iv)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), plaintext)

	_, err = OpenSoftwareKeystore(
		db, []byte("wrong"), snacl.FastScryptOptions, 0,
	)
	assert.ErrorIs(t, err, snacl.ErrInvalidPassword)

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		keys := readAliasKeys(tx)
		assert.NotNil(t, keys.Get([]byte(AliasPrefix+"label")))
		return nil
	})
	require.NoError(t, err)

	reopened.Lock()
	_, err = reopened.Decrypt(ciphertext, "label", iv)
	assert.ErrorIs(t, err, ErrKeystoreLocked)
}
