// Package enginetest is a conformance suite for storage engines driven
// through the handle layer. Engine packages run it from their own tests:
//
//	func TestEngine(t *testing.T) {
//		enginetest.Run(t, enginetest.Config{
//			Engine:  mem.New(),
//			Durable: true,
//			Nested:  true,
//			Ordered: true,
//			NoWait:  true,
//		})
//	}
package enginetest

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-bdb/bdb"
)

// Config describes the engine under test and the behaviors it claims.
type Config struct {
	// Engine is the engine under test.
	Engine bdb.Engine

	// Durable engines serve records committed by an earlier environment
	// handle on the same home after that handle has fully closed.
	Durable bool

	// Nested engines support child transactions.
	Nested bool

	// Ordered engines iterate cursors in lexicographic key order.
	Ordered bool

	// NoWait engines fail a TxnNoWait begin with ErrLockNotGranted
	// instead of blocking on a busy writer.
	NoWait bool
}

const envFlags = bdb.Create | bdb.InitTxn | bdb.InitLock | bdb.InitLog | bdb.InitMpool

// Run exercises every behavior of the engine interface through the handle
// layer, skipping the ones cfg does not claim.
func Run(t *testing.T, cfg Config) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, cfg) })
	t.Run("GetAbsent", func(t *testing.T) { testGetAbsent(t, cfg) })
	t.Run("EmptyValue", func(t *testing.T) { testEmptyValue(t, cfg) })
	t.Run("EmptyKey", func(t *testing.T) { testEmptyKey(t, cfg) })
	t.Run("DelAbsent", func(t *testing.T) { testDelAbsent(t, cfg) })
	t.Run("PutDelGet", func(t *testing.T) { testPutDelGet(t, cfg) })
	t.Run("NoOverwrite", func(t *testing.T) { testNoOverwrite(t, cfg) })
	t.Run("TxnCommit", func(t *testing.T) { testTxnCommit(t, cfg) })
	t.Run("TxnAbort", func(t *testing.T) { testTxnAbort(t, cfg) })
	t.Run("TxnResolveTwice", func(t *testing.T) { testTxnResolveTwice(t, cfg) })
	t.Run("TxnAbandoned", func(t *testing.T) { testTxnAbandoned(t, cfg) })
	t.Run("TxnNoWait", func(t *testing.T) { testTxnNoWait(t, cfg) })
	t.Run("NestedCommit", func(t *testing.T) { testNestedCommit(t, cfg) })
	t.Run("NestedAbort", func(t *testing.T) { testNestedAbort(t, cfg) })
	t.Run("NestedAbortParent", func(t *testing.T) { testNestedAbortParent(t, cfg) })
	t.Run("CursorOrder", func(t *testing.T) { testCursorOrder(t, cfg) })
	t.Run("CursorEmpty", func(t *testing.T) { testCursorEmpty(t, cfg) })
	t.Run("CursorSnapshot", func(t *testing.T) { testCursorSnapshot(t, cfg) })
	t.Run("Truncate", func(t *testing.T) { testTruncate(t, cfg) })
	t.Run("TypeMismatch", func(t *testing.T) { testTypeMismatch(t, cfg) })
	t.Run("OpenAbsent", func(t *testing.T) { testOpenAbsent(t, cfg) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, cfg) })
	t.Run("Durability", func(t *testing.T) { testDurability(t, cfg) })
	t.Run("Standalone", func(t *testing.T) { testStandalone(t, cfg) })
	t.Run("MultiDBTxn", func(t *testing.T) { testMultiDBTxn(t, cfg) })
	t.Run("Sync", func(t *testing.T) { testSync(t, cfg) })
}

func openEnv(t *testing.T, cfg Config, home string, flags bdb.Flags) *bdb.Env {
	t.Helper()
	env, err := bdb.NewEnv(cfg.Engine).Home(home).SetFlags(flags).Open()
	require.NoError(t, err)
	return env
}

func openDB(t *testing.T, env *bdb.Env, file string, flags bdb.Flags) *bdb.DB {
	t.Helper()
	db, err := bdb.NewDB().
		Environment(env).
		File(file).
		Type(bdb.BTree).
		SetFlags(flags).
		Open()
	require.NoError(t, err)
	return db
}

// setup opens a fresh environment and database in a temp home, torn down
// with the test.
func setup(t *testing.T, cfg Config) (*bdb.Env, *bdb.DB) {
	t.Helper()
	env := openEnv(t, cfg, t.TempDir(), envFlags)
	db := openDB(t, env, "data.db", bdb.Create)
	t.Cleanup(func() {
		db.Close()
		env.Close()
	})
	return env, db
}

func requireValue(t *testing.T, db *bdb.DB, txn *bdb.Txn, key, want []byte) {
	t.Helper()
	buf, err := db.Get(txn, key, 0)
	require.NoError(t, err)
	require.NotNil(t, buf, "key %q absent", key)
	require.Equal(t, want, buf.Copy())
	buf.Release()
}

func requireAbsent(t *testing.T, db *bdb.DB, txn *bdb.Txn, key []byte) {
	t.Helper()
	buf, err := db.Get(txn, key, 0)
	require.NoError(t, err)
	require.Nil(t, buf, "key %q unexpectedly present", key)
}

func testPutGet(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("alpha"), []byte("one"), 0))
	requireValue(t, db, nil, []byte("alpha"), []byte("one"))

	// Overwrite without flags replaces the value.
	require.NoError(t, db.Put(nil, []byte("alpha"), []byte("two"), 0))
	requireValue(t, db, nil, []byte("alpha"), []byte("two"))
}

func testGetAbsent(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)
	requireAbsent(t, db, nil, []byte("missing"))
}

func testEmptyValue(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("empty"), nil, 0))
	buf, err := db.Get(nil, []byte("empty"), 0)
	require.NoError(t, err)
	require.NotNil(t, buf, "empty value must read as present")
	require.Equal(t, 0, buf.Len())
	buf.Release()
}

func testEmptyKey(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	err := db.Put(nil, nil, []byte("v"), 0)
	require.Error(t, err)
	require.True(t, bdb.IsKeyEmpty(err))
}

func testDelAbsent(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	err := db.Del(nil, []byte("missing"), 0)
	require.Error(t, err)
	require.True(t, bdb.IsNotFound(err))
}

func testPutDelGet(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("gone"), []byte("soon"), 0))
	require.NoError(t, db.Del(nil, []byte("gone"), 0))
	requireAbsent(t, db, nil, []byte("gone"))
}

func testNoOverwrite(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("once"), []byte("first"), 0))
	err := db.Put(nil, []byte("once"), []byte("second"), bdb.NoOverwrite)
	require.Error(t, err)
	require.True(t, bdb.IsKeyExist(err))
	requireValue(t, db, nil, []byte("once"), []byte("first"))
}

func testTxnCommit(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k"), []byte("v"), 0))

	// Read-your-writes inside the transaction.
	requireValue(t, db, txn, []byte("k"), []byte("v"))

	require.NoError(t, txn.Commit(bdb.CommitInherit))
	requireValue(t, db, nil, []byte("k"), []byte("v"))
}

func testTxnAbort(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k"), []byte("v"), 0))
	require.NoError(t, txn.Abort())
	requireAbsent(t, db, nil, []byte("k"))
}

func testTxnResolveTwice(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(bdb.CommitInherit))

	err = txn.Commit(bdb.CommitInherit)
	require.Error(t, err)
	require.Equal(t, bdb.ErrInvalid, bdb.Code(err))

	err = txn.Abort()
	require.Error(t, err)
	require.Equal(t, bdb.ErrInvalid, bdb.Code(err))

	// A resolved transaction is no longer usable for operations either.
	err = db.Put(txn, []byte("k"), []byte("v"), 0)
	require.Error(t, err)
	require.Equal(t, bdb.ErrInvalid, bdb.Code(err))
}

// testTxnAbandoned drops an unresolved transaction and waits for the
// finalizer safety net to abort it, which it observes by the writer lock
// becoming free again.
func testTxnAbandoned(t *testing.T, cfg Config) {
	if !cfg.NoWait {
		t.Skip("engine cannot observe writer lock without NoWait")
	}
	env, db := setup(t, cfg)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("lost"), []byte("write"), 0))
	txn = nil
	_ = txn

	deadline := time.Now().Add(10 * time.Second)
	for {
		runtime.GC()
		probe, err := env.BeginTxn(nil, bdb.TxnNoWait)
		if err == nil {
			require.NoError(t, probe.Abort())
			break
		}
		require.True(t, bdb.IsLockNotGranted(err))
		require.True(t, time.Now().Before(deadline),
			"abandoned transaction was never aborted")
		time.Sleep(10 * time.Millisecond)
	}
	requireAbsent(t, db, nil, []byte("lost"))
}

func testTxnNoWait(t *testing.T, cfg Config) {
	if !cfg.NoWait {
		t.Skip("engine blocks instead of failing fast")
	}
	env, _ := setup(t, cfg)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)

	_, err = env.BeginTxn(nil, bdb.TxnNoWait)
	require.Error(t, err)
	require.True(t, bdb.IsLockNotGranted(err))

	require.NoError(t, txn.Abort())

	again, err := env.BeginTxn(nil, bdb.TxnNoWait)
	require.NoError(t, err)
	require.NoError(t, again.Abort())
}

func testNestedCommit(t *testing.T, cfg Config) {
	if !cfg.Nested {
		t.Skip("engine does not support nested transactions")
	}
	env, db := setup(t, cfg)

	parent, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(parent, []byte("outer"), []byte("p"), 0))

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.Equal(t, parent, child.Parent())
	require.NoError(t, db.Put(child, []byte("inner"), []byte("c"), 0))

	// The child sees both its own and the parent's writes.
	requireValue(t, db, child, []byte("outer"), []byte("p"))
	requireValue(t, db, child, []byte("inner"), []byte("c"))

	require.NoError(t, child.Commit(bdb.CommitInherit))
	requireValue(t, db, parent, []byte("inner"), []byte("c"))

	require.NoError(t, parent.Commit(bdb.CommitInherit))
	requireValue(t, db, nil, []byte("outer"), []byte("p"))
	requireValue(t, db, nil, []byte("inner"), []byte("c"))
}

func testNestedAbort(t *testing.T, cfg Config) {
	if !cfg.Nested {
		t.Skip("engine does not support nested transactions")
	}
	env, db := setup(t, cfg)

	parent, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(parent, []byte("keep"), []byte("p"), 0))

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(child, []byte("drop"), []byte("c"), 0))
	require.NoError(t, child.Abort())

	requireValue(t, db, parent, []byte("keep"), []byte("p"))
	requireAbsent(t, db, parent, []byte("drop"))

	require.NoError(t, parent.Commit(bdb.CommitInherit))
	requireValue(t, db, nil, []byte("keep"), []byte("p"))
	requireAbsent(t, db, nil, []byte("drop"))
}

func testNestedAbortParent(t *testing.T, cfg Config) {
	if !cfg.Nested {
		t.Skip("engine does not support nested transactions")
	}
	env, db := setup(t, cfg)

	parent, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(child, []byte("k"), []byte("v"), 0))
	require.NoError(t, child.Commit(bdb.CommitInherit))

	// The child's commit only made it as far as the parent.
	require.NoError(t, parent.Abort())
	requireAbsent(t, db, nil, []byte("k"))
}

func testCursorOrder(t *testing.T, cfg Config) {
	if !cfg.Ordered {
		t.Skip("engine iteration order is not lexicographic")
	}
	_, db := setup(t, cfg)

	for _, k := range []string{"delta", "alpha", "echo", "charlie", "bravo"} {
		require.NoError(t, db.Put(nil, []byte(k), []byte("v-"+k), 0))
	}

	cur, err := db.Cursor()
	require.NoError(t, err)
	defer cur.Close()

	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, wk := range want {
		key, value, err := cur.Next()
		require.NoError(t, err)
		require.NotNil(t, key)
		require.Equal(t, wk, string(key.Copy()))
		require.Equal(t, "v-"+wk, string(value.Copy()))
		key.Release()
		value.Release()
	}

	// End of data is not an error, and it is terminal.
	for i := 0; i < 3; i++ {
		key, value, err := cur.Next()
		require.NoError(t, err)
		require.Nil(t, key)
		require.Nil(t, value)
	}
}

func testCursorEmpty(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	cur, err := db.Cursor()
	require.NoError(t, err)
	defer cur.Close()

	for i := 0; i < 2; i++ {
		key, value, err := cur.Next()
		require.NoError(t, err)
		require.Nil(t, key)
		require.Nil(t, value)
	}
}

// testCursorSnapshot checks that records committed after a cursor opened
// do not appear mid-iteration.
func testCursorSnapshot(t *testing.T, cfg Config) {
	_, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("a"), []byte("1"), 0))

	cur, err := db.Cursor()
	require.NoError(t, err)
	defer cur.Close()

	require.NoError(t, db.Put(nil, []byte("z"), []byte("2"), 0))

	seen := 0
	for {
		key, value, err := cur.Next()
		require.NoError(t, err)
		if key == nil {
			break
		}
		require.NotEqual(t, "z", string(key.Copy()))
		key.Release()
		value.Release()
		seen++
	}
	require.Equal(t, 1, seen)
}

func testTruncate(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put(nil, []byte(fmt.Sprintf("k%d", i)), []byte("v"), 0))
	}

	trunc := openDB(t, env, "data.db", bdb.Truncate)
	defer trunc.Close()

	requireAbsent(t, trunc, nil, []byte("k0"))
	requireAbsent(t, db, nil, []byte("k3"))
}

func testTypeMismatch(t *testing.T, cfg Config) {
	env, _ := setup(t, cfg)

	_, err := bdb.NewDB().
		Environment(env).
		File("data.db").
		Type(bdb.Hash).
		Open()
	require.Error(t, err)
	require.Equal(t, bdb.ErrInvalid, bdb.Code(err))

	// Unknown adopts the stored type instead.
	db, err := bdb.NewDB().
		Environment(env).
		File("data.db").
		Type(bdb.Unknown).
		Open()
	require.NoError(t, err)
	require.Equal(t, bdb.BTree, db.Type())
	db.Close()
}

func testOpenAbsent(t *testing.T, cfg Config) {
	env, _ := setup(t, cfg)

	_, err := bdb.NewDB().
		Environment(env).
		File("nothere.db").
		Type(bdb.BTree).
		Open()
	require.Error(t, err)
	require.Equal(t, bdb.ErrNoEntry, bdb.Code(err))
}

func testReadOnly(t *testing.T, cfg Config) {
	home := t.TempDir()

	env := openEnv(t, cfg, home, envFlags)
	db := openDB(t, env, "data.db", bdb.Create)
	require.NoError(t, db.Put(nil, []byte("k"), []byte("v"), 0))
	db.Close()
	env.Close()

	ro := openEnv(t, cfg, home, bdb.InitTxn|bdb.InitMpool|bdb.ReadOnly)
	defer ro.Close()
	rodb := openDB(t, ro, "data.db", 0)
	defer rodb.Close()

	requireValue(t, rodb, nil, []byte("k"), []byte("v"))

	err := rodb.Put(nil, []byte("k2"), []byte("v2"), 0)
	require.Error(t, err)
	require.Equal(t, bdb.ErrAccess, bdb.Code(err))

	err = rodb.Del(nil, []byte("k"), 0)
	require.Error(t, err)
	require.Equal(t, bdb.ErrAccess, bdb.Code(err))
}

func testDurability(t *testing.T, cfg Config) {
	if !cfg.Durable {
		t.Skip("engine does not persist across reopen")
	}
	home := t.TempDir()

	env := openEnv(t, cfg, home, envFlags)
	db := openDB(t, env, "data.db", bdb.Create)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("persist"), []byte("me"), 0))
	require.NoError(t, txn.Commit(bdb.CommitSync))

	db.Close()
	env.Close()

	env = openEnv(t, cfg, home, envFlags)
	defer env.Close()
	db = openDB(t, env, "data.db", 0)
	defer db.Close()

	requireValue(t, db, nil, []byte("persist"), []byte("me"))
}

func testStandalone(t *testing.T, cfg Config) {
	file := t.TempDir() + "/standalone.db"

	db, err := bdb.NewDB().
		Engine(cfg.Engine).
		File(file).
		Type(bdb.BTree).
		SetFlags(bdb.Create).
		Open()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put(nil, []byte("solo"), []byte("db"), 0))
	requireValue(t, db, nil, []byte("solo"), []byte("db"))
}

// testMultiDBTxn commits one transaction spanning two databases of the
// same environment and checks it is atomic across both.
func testMultiDBTxn(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)
	other := openDB(t, env, "other.db", bdb.Create)
	defer other.Close()

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("a"), []byte("1"), 0))
	require.NoError(t, other.Put(txn, []byte("b"), []byte("2"), 0))
	require.NoError(t, txn.Abort())

	requireAbsent(t, db, nil, []byte("a"))
	requireAbsent(t, other, nil, []byte("b"))

	txn, err = env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("a"), []byte("1"), 0))
	require.NoError(t, other.Put(txn, []byte("b"), []byte("2"), 0))
	require.NoError(t, txn.Commit(bdb.CommitInherit))

	requireValue(t, db, nil, []byte("a"), []byte("1"))
	requireValue(t, other, nil, []byte("b"), []byte("2"))
}

func testSync(t *testing.T, cfg Config) {
	env, db := setup(t, cfg)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("v"), 0))
	require.NoError(t, db.Sync())
	require.NoError(t, env.Sync())
}
