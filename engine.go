package bdb

import "os"

// Engine is the call interface to an underlying storage engine. Every
// method of the handle interfaces below is a direct, synchronous, blocking
// call returning a status code; Success means the call completed. The
// handle layer owns no on-disk format and no locking discipline of its own,
// it only sequences these calls and keeps their resources alive in the
// right order.
//
// The mem, bolt and ldb subpackages provide engines; callers may supply
// their own.
type Engine interface {
	// Name identifies the engine in logs and test output.
	Name() string

	// CreateEnv allocates an unopened environment handle.
	CreateEnv() (EngineEnv, ErrorCode)

	// CreateDB allocates an unopened database handle. A nil env creates a
	// standalone database backed by an engine-private environment. A
	// non-nil env must have been produced by this engine's CreateEnv.
	CreateDB(env EngineEnv) (EngineDB, ErrorCode)
}

// EngineEnv is an engine environment handle.
type EngineEnv interface {
	// Open opens the environment at home with the given flags and
	// file-creation mode. An empty home is engine-defined (private or
	// in-memory).
	Open(home string, flags Flags, mode os.FileMode) ErrorCode

	// Close releases the environment. Closing an unopened handle
	// releases the allocation only.
	Close() ErrorCode

	// Begin starts a transaction. A nil parent starts a top-level
	// transaction; a non-nil parent starts a nested child. With TxnNoWait
	// the engine returns ErrLockNotGranted instead of blocking on a busy
	// write lock.
	Begin(parent EngineTxn, flags Flags) (EngineTxn, ErrorCode)

	// Sync flushes buffered writes to stable storage.
	Sync() ErrorCode
}

// EngineTxn is an engine transaction handle. It is confined to one
// goroutine. Either Commit or Abort consumes the handle; the engine is free
// to reject further calls with ErrInvalid.
type EngineTxn interface {
	Commit(mode CommitMode) ErrorCode
	Abort() ErrorCode
}

// EngineDB is an engine database handle.
type EngineDB interface {
	// Open opens the collection stored under file/name, creating it when
	// the Create flag is set. A nil txn opens outside any transaction.
	Open(txn EngineTxn, file, name string, typ DBType, flags Flags, mode os.FileMode) ErrorCode

	// Type reports the collection type after a successful Open, with
	// Unknown resolved to the stored type.
	Type() DBType

	// Close releases the database handle.
	Close() ErrorCode

	// Get looks up key. Absent keys are reported as ErrNotFound with a
	// nil buffer; the handle layer converts that status to a non-error
	// absent result. The returned buffer is engine-owned unless the
	// engine can serve a borrowed view.
	Get(txn EngineTxn, key []byte, flags Flags) (*Buffer, ErrorCode)

	// Put stores the pair. NoOverwrite makes an existing key fail with
	// ErrKeyExist.
	Put(txn EngineTxn, key, value []byte, flags Flags) ErrorCode

	// Del removes the pair, reporting ErrNotFound for absent keys.
	Del(txn EngineTxn, key []byte, flags Flags) ErrorCode

	// OpenCursor opens a cursor over a snapshot of the committed
	// collection.
	OpenCursor() (EngineCursor, ErrorCode)

	// Sync flushes this database's buffered writes.
	Sync() ErrorCode
}

// EngineCursor is an engine cursor handle, confined to one goroutine.
type EngineCursor interface {
	// Next returns the next pair in the collection's native order, or
	// ErrNotFound at end of data. Returned buffers are engine-owned and
	// independently released.
	Next() (key, value *Buffer, code ErrorCode)

	// Close releases the cursor.
	Close() ErrorCode
}
