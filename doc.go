// Package bdb is a safe-handle layer over embedded transactional
// key-value storage engines.
//
// bdb does not implement a storage engine of its own. It wraps any engine
// reachable through the Engine interface, a small set of synchronous,
// status-code-returning calls, and layers handle discipline on top of it.
//
// Key features:
//   - Reference-counted environments that never close underneath a live
//     database or transaction
//   - Transactions that resolve exactly once, with a finalizer safety net
//     aborting any transaction dropped unresolved
//   - Cursors pinned to their database for the whole iteration
//   - Engine-owned record buffers released exactly once, reading as nil
//     afterwards rather than as freed memory
//   - Absent keys reported as a nil value, not an error
//
// The mem, bolt and ldb subpackages bundle ready-made engines backed by
// an in-memory B-tree, bbolt, and goleveldb.
//
// Basic usage:
//
//	env, err := bdb.NewEnv(mem.New()).
//	    Home("/path/to/home").
//	    SetFlags(bdb.Create | bdb.InitTxn | bdb.InitMpool).
//	    Open()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	db, err := bdb.NewDB().
//	    Environment(env).
//	    File("data.db").
//	    Type(bdb.BTree).
//	    SetFlags(bdb.Create).
//	    Open()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Put a key-value pair inside a transaction
//	txn, err := env.BeginTxn(nil, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = db.Put(txn, []byte("key"), []byte("value"), 0)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//	err = txn.Commit(bdb.CommitInherit)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Read it back; a nil buffer means the key is absent
//	buf, err := db.Get(nil, []byte("key"), 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if buf != nil {
//	    fmt.Println(buf.String())
//	    buf.Release()
//	}
package bdb
