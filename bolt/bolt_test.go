package bolt_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-bdb/bdb"
	"github.com/go-bdb/bdb/bolt"
	"github.com/go-bdb/bdb/enginetest"
)

func TestEngine(t *testing.T) {
	enginetest.Run(t, enginetest.Config{
		Engine:  bolt.New(),
		Durable: true,
		Nested:  true,
		Ordered: true,
		NoWait:  true,
	})
}

// TestDataFile checks that an environment materializes as a single bbolt
// file inside its home.
func TestDataFile(t *testing.T) {
	home := t.TempDir()
	flags := bdb.Create | bdb.InitTxn | bdb.InitMpool

	env, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(flags).Open()
	require.NoError(t, err)
	defer env.Close()
	db, err := bdb.NewDB().Environment(env).File("d.db").SetFlags(bdb.Create).Open()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(nil, []byte("k"), []byte("v"), 0))

	fi, err := os.Stat(filepath.Join(home, bolt.FileName))
	require.NoError(t, err)
	require.False(t, fi.IsDir())
}

// TestSharedHome checks that two environment handles share one underlying
// bbolt file instead of fighting over its lock.
func TestSharedHome(t *testing.T) {
	home := t.TempDir()
	flags := bdb.Create | bdb.InitTxn | bdb.InitMpool

	env1, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(flags).Open()
	require.NoError(t, err)
	defer env1.Close()
	env2, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(flags).Open()
	require.NoError(t, err)
	defer env2.Close()

	db1, err := bdb.NewDB().Environment(env1).File("shared.db").SetFlags(bdb.Create).Open()
	require.NoError(t, err)
	defer db1.Close()
	db2, err := bdb.NewDB().Environment(env2).File("shared.db").Open()
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db1.Put(nil, []byte("from"), []byte("env1"), 0))

	buf, err := db2.Get(nil, []byte("from"), 0)
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.Equal(t, []byte("env1"), buf.Copy())
	buf.Release()
}

// TestTwoFilesOneTxn checks that databases kept under different file
// names still commit atomically, since they share the home's bbolt file.
func TestTwoFilesOneTxn(t *testing.T) {
	home := t.TempDir()
	flags := bdb.Create | bdb.InitTxn | bdb.InitMpool

	env, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(flags).Open()
	require.NoError(t, err)
	defer env.Close()

	accounts, err := bdb.NewDB().Environment(env).File("accounts.db").SetFlags(bdb.Create).Open()
	require.NoError(t, err)
	defer accounts.Close()
	audit, err := bdb.NewDB().Environment(env).File("audit.db").SetFlags(bdb.Create).Open()
	require.NoError(t, err)
	defer audit.Close()

	err = env.Update(func(txn *bdb.Txn) error {
		if err := accounts.Put(txn, []byte("acct"), []byte("100"), 0); err != nil {
			return err
		}
		return audit.Put(txn, []byte("log"), []byte("credit"), 0)
	})
	require.NoError(t, err)

	buf, err := audit.Get(nil, []byte("log"), 0)
	require.NoError(t, err)
	require.NotNil(t, buf)
	buf.Release()
}
