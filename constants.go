package bdb

// Flags is a bitmask of configuration options passed through to the engine.
// Values are library-defined distinct bits; engines receive them verbatim.
type Flags uint32

// Environment open flags.
const (
	// Create causes missing environments and databases to be created
	Create Flags = 0x0001

	// Recover runs normal recovery on the environment before opening
	Recover Flags = 0x0002

	// InitTxn enables the transaction subsystem
	InitTxn Flags = 0x0004

	// InitLock enables the locking subsystem
	InitLock Flags = 0x0008

	// InitLog enables the logging subsystem
	InitLog Flags = 0x0010

	// InitMpool enables the shared memory pool subsystem
	InitMpool Flags = 0x0020

	// ReadOnly opens the environment or database for reading only
	ReadOnly Flags = 0x0040

	// Thread marks handles as free-threaded; the bundled engines are
	// always free-threaded, so this is accepted and ignored
	Thread Flags = 0x0080

	// Exclusive takes an exclusive lock on the environment home so no
	// other process can open it; without it the home lock is shared
	Exclusive Flags = 0x0100

	// NoSync disables synchronous flushing of writes for the whole
	// environment; commits become durable only on Sync or close
	NoSync Flags = 0x0200
)

// Database open flags.
const (
	// Truncate empties the database on open
	Truncate Flags = 0x0400

	// Excl fails the open if the database already exists
	Excl Flags = 0x0800

	// AutoCommit wraps the operation in an implicit transaction
	AutoCommit Flags = 0x1000

	// ReadUncommitted permits reads of modified but not yet committed
	// data
	ReadUncommitted Flags = 0x2000
)

// Write operation flags.
const (
	// NoOverwrite makes a put fail with ErrKeyExist instead of
	// overwriting an existing pair
	NoOverwrite Flags = 0x4000

	// Append appends the pair to the end of the database; only
	// meaningful for Recno and Queue collections
	Append Flags = 0x8000
)

// Transaction flags.
const (
	// TxnNoSync commits transactions without flushing the log
	TxnNoSync Flags = 0x10000

	// TxnSync forces a log flush on every commit
	TxnSync Flags = 0x20000

	// TxnNoWait makes lock requests fail with ErrLockNotGranted instead
	// of waiting
	TxnNoWait Flags = 0x40000
)

// DBType selects the collection type of a database.
type DBType uint32

const (
	// BTree is an ordered collection; cursors ascend in key order
	BTree DBType = 1

	// Hash is an unordered keyed collection
	Hash DBType = 2

	// Recno is a record-number keyed collection
	Recno DBType = 3

	// Queue is a fixed-length record queue
	Queue DBType = 4

	// Unknown defers the collection type to whatever an existing
	// database was created with
	Unknown DBType = 5
)

func (t DBType) String() string {
	switch t {
	case BTree:
		return "btree"
	case Hash:
		return "hash"
	case Recno:
		return "recno"
	case Queue:
		return "queue"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// CommitMode selects the log-flush behavior of a single commit.
type CommitMode uint32

const (
	// CommitInherit uses the environment's ambient sync policy
	CommitInherit CommitMode = 0

	// CommitNoSync commits without flushing the log
	CommitNoSync CommitMode = 1

	// CommitSync flushes the log before the commit returns
	CommitSync CommitMode = 2
)

// LockFileName is the name of the lock file created in an environment home
// when a home directory is configured.
const LockFileName = "__db.lck"
