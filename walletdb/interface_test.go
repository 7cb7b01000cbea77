package walletdb_test

import (
	"path/filepath"
	"testing"

	"github.com/czh0526/walletcore/walletdb"
	_ "github.com/czh0526/walletcore/walletdb/bdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDriver(t *testing.T) {
	assert.Contains(t, walletdb.SupportedDrivers(), "bdb")

	err := walletdb.RegisterDriver(walletdb.Driver{DBType: "bdb"})
	assert.ErrorIs(t, err, walletdb.ErrDbTypeRegistered)
}

func TestOpenOrCreate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")

	db, err := walletdb.OpenOrCreate("bdb", dbPath, true)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = walletdb.OpenOrCreate("bdb", dbPath, true)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
