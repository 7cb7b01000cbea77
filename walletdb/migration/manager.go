// Package migration keeps the schema version of a walletdb database and
// upgrades it one version at a time.
package migration

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/czh0526/walletcore/walletdb"
)

var (
	metaBucket = []byte("migration-meta")
	versionKey = []byte("version")
)

var (
	// ErrReversion is returned when the database was written by a newer
	// schema than the versions known to the caller.
	ErrReversion = errors.New("database schema is newer than supported")

	// ErrUnorderedVersions is returned when versions are not strictly
	// ascending from 1.
	ErrUnorderedVersions = errors.New("migration versions must ascend " +
		"from 1 without gaps")
)

// Version is one step of a schema. Migration brings a database at the
// previous version to Number.
type Version struct {
	Number    uint32
	Migration func(tx walletdb.ReadWriteTx) error
}

// CurrentVersion returns the schema version of db. Fresh databases are at
// version 0.
func CurrentVersion(db walletdb.DB) (uint32, error) {
	var version uint32
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		version = readVersion(tx)
		return nil
	})
	return version, err
}

func readVersion(tx walletdb.ReadTx) uint32 {
	meta := tx.ReadBucket(metaBucket)
	if meta == nil {
		return 0
	}
	raw := meta.Get(versionKey)
	if len(raw) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(raw)
}

func writeVersion(tx walletdb.ReadWriteTx, version uint32) error {
	meta, err := tx.CreateTopLevelBucket(metaBucket)
	if err != nil {
		return err
	}

	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], version)

	return meta.Put(versionKey, raw[:])
}

// Upgrade applies every version above the current one, each in its own
// transaction together with the new version number.
func Upgrade(db walletdb.DB, versions []Version) error {
	for i, v := range versions {
		if v.Number != uint32(i+1) {
			return fmt.Errorf("%w: version %d at position %d",
				ErrUnorderedVersions, v.Number, i)
		}
	}

	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	latest := uint32(len(versions))
	if current > latest {
		return fmt.Errorf("%w: database at %d, latest known %d",
			ErrReversion, current, latest)
	}

	for _, v := range versions[current:] {
		v := v
		err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
			if v.Migration != nil {
				if err := v.Migration(tx); err != nil {
					return err
				}
			}
			return writeVersion(tx, v.Number)
		})
		if err != nil {
			return fmt.Errorf("unable to migrate to version %d: %w",
				v.Number, err)
		}
	}

	return nil
}
